// Package opaquekeys parses the course and content keys used by the host
// platform: course-v1:Org+Course+Run and
// block-v1:Org+Course+Run+type@<block type>+block@<block id>.
package opaquekeys

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	coursePrefix = "course-v1:"
	blockPrefix  = "block-v1:"
)

var (
	ErrInvalidKey = errors.New("invalid opaque key")

	partRE = regexp.MustCompile(`^[\w\-~.:%]+$`)
)

// Key is implemented by CourseKey and UsageKey.
type Key interface {
	String() string
	CourseKey() CourseKey
}

type CourseKey struct {
	Org    string
	Course string
	Run    string
}

func (k CourseKey) String() string {
	return coursePrefix + k.Org + "+" + k.Course + "+" + k.Run
}

func (k CourseKey) CourseKey() CourseKey { return k }

type UsageKey struct {
	Course    CourseKey
	BlockType string
	BlockID   string
}

func (u UsageKey) String() string {
	return blockPrefix + u.Course.Org + "+" + u.Course.Course + "+" + u.Course.Run +
		"+type@" + u.BlockType + "+block@" + u.BlockID
}

func (u UsageKey) CourseKey() CourseKey { return u.Course }

func ParseCourseKey(s string) (CourseKey, error) {
	rest, ok := strings.CutPrefix(s, coursePrefix)
	if !ok {
		return CourseKey{}, fmt.Errorf("%w: %q is not a course key", ErrInvalidKey, s)
	}
	parts := strings.Split(rest, "+")
	if len(parts) != 3 || !validParts(parts...) {
		return CourseKey{}, fmt.Errorf("%w: %q is not a course key", ErrInvalidKey, s)
	}
	return CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]}, nil
}

func ParseUsageKey(s string) (UsageKey, error) {
	rest, ok := strings.CutPrefix(s, blockPrefix)
	if !ok {
		return UsageKey{}, fmt.Errorf("%w: %q is not a usage key", ErrInvalidKey, s)
	}
	parts := strings.Split(rest, "+")
	if len(parts) != 5 {
		return UsageKey{}, fmt.Errorf("%w: %q is not a usage key", ErrInvalidKey, s)
	}
	blockType, ok1 := strings.CutPrefix(parts[3], "type@")
	blockID, ok2 := strings.CutPrefix(parts[4], "block@")
	if !ok1 || !ok2 || !validParts(parts[0], parts[1], parts[2], blockType, blockID) {
		return UsageKey{}, fmt.Errorf("%w: %q is not a usage key", ErrInvalidKey, s)
	}
	return UsageKey{
		Course:    CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]},
		BlockType: blockType,
		BlockID:   blockID,
	}, nil
}

// ParseKey accepts either a course key or a usage key.
func ParseKey(s string) (Key, error) {
	if ck, err := ParseCourseKey(s); err == nil {
		return ck, nil
	}
	if uk, err := ParseUsageKey(s); err == nil {
		return uk, nil
	}
	return nil, fmt.Errorf("%w: %q is neither a course nor a usage key", ErrInvalidKey, s)
}

func validParts(parts ...string) bool {
	for _, p := range parts {
		if !partRE.MatchString(p) {
			return false
		}
	}
	return true
}
