// Package selection turns raw user choices into a validated, ordered list
// of image names.
package selection

// DefaultPreviewCount is how many images are preselected when the user has
// not chosen anything and "select all" is off.
const DefaultPreviewCount = 4

// Request is what the user asked for. A nil Names means nothing was chosen
// explicitly and the default policy applies; an empty non-nil Names is an
// explicit empty choice.
type Request struct {
	Names     []string
	SelectAll bool
}

// Explicit reports whether the user picked names themselves.
func (r Request) Explicit() bool {
	return r.Names != nil
}

// Resolve returns the names to preview or run, in order. Every returned name
// is a member of known. Unknown and repeated names in an explicit request are
// dropped.
func Resolve(known []string, req Request) []string {
	if !req.Explicit() {
		return defaults(known, req.SelectAll)
	}

	valid := make(map[string]struct{}, len(known))
	for _, n := range known {
		valid[n] = struct{}{}
	}
	out := make([]string, 0, len(req.Names))
	seen := make(map[string]struct{}, len(req.Names))
	for _, n := range req.Names {
		if _, ok := valid[n]; !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func defaults(known []string, selectAll bool) []string {
	n := len(known)
	if !selectAll && n > DefaultPreviewCount {
		n = DefaultPreviewCount
	}
	out := make([]string, n)
	copy(out, known[:n])
	return out
}
