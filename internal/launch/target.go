package launch

import (
	"github.com/mind-engage/mindengage-lti-tool/internal/opaquekeys"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

// containerTypes are outline levels that cannot be launched on their own.
var containerTypes = map[string]bool{
	"course":     true,
	"chapter":    true,
	"sequential": true,
}

// Target is what a launch opens: a whole course, or one leaf block of it.
type Target struct {
	Course opaquekeys.CourseKey
	Unit   *opaquekeys.UsageKey
}

// ContextKey is the key graded resources bind to.
func (t Target) ContextKey() string {
	if t.Unit != nil {
		return t.Unit.String()
	}
	return t.Course.String()
}

// resolveTarget picks the launch target. Path parameters win over the
// resourceId custom claim.
func resolveTarget(pathCourse, pathUnit string, claims lti.Claims) (Target, error) {
	var (
		key opaquekeys.Key
		err error
	)
	switch {
	case pathUnit != "":
		key, err = opaquekeys.ParseUsageKey(pathUnit)
	case pathCourse != "":
		key, err = opaquekeys.ParseKey(pathCourse)
	default:
		rid := claims.Custom(lti.CustomResourceID)
		if rid == "" {
			return Target{}, lti.Errorf(lti.KindProtocol, "Unable to find course key: no resource id in request")
		}
		key, err = opaquekeys.ParseKey(rid)
	}
	if err != nil {
		return Target{}, lti.Wrap(lti.KindProtocol, err, "No course key found")
	}

	t := Target{Course: key.CourseKey()}
	if uk, ok := key.(opaquekeys.UsageKey); ok {
		if containerTypes[uk.BlockType] {
			return Target{}, lti.Errorf(lti.KindProtocol, "Invalid usage key type %q: only units and components can be launched", uk.BlockType)
		}
		t.Unit = &uk
	}
	if pathUnit != "" && pathCourse != "" && pathCourse != t.Course.String() {
		return Target{}, lti.Errorf(lti.KindProtocol, "Usage key %s does not belong to course %s", pathUnit, pathCourse)
	}
	return t, nil
}
