package protocols

import (
	"github.com/wostzone/servient-go/pkg/thing"
)

// FindForm returns the first form of the interaction that carries the
// requested op under one of the given URI schemes. Schemes are tried in
// order, so clients list the secure scheme first to prefer it over the
// plain one. Returns nil when no form matches.
func FindForm(td *thing.ThingTD, name string, op string, schemes ...string) *thing.Form {
	forms := td.GetForms(name)
	for _, scheme := range schemes {
		for i := range forms {
			form := &forms[i]
			if form.Scheme(td.Base) == scheme && form.HasOp(op) {
				found := *form
				return &found
			}
		}
	}
	return nil
}

// HasFormWithScheme returns true when the interaction has at least one form
// under one of the given URI schemes, regardless of op.
func HasFormWithScheme(td *thing.ThingTD, name string, schemes ...string) bool {
	for _, form := range td.GetForms(name) {
		formScheme := form.Scheme(td.Base)
		for _, scheme := range schemes {
			if formScheme == scheme {
				return true
			}
		}
	}
	return false
}
