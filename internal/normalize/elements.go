package normalize

import "strings"

// rewriteElements recognizes element-number forms ("14", "1-4", "1 4") and
// rewrites them into the canonical "element NN" shape. A pair directly after
// a dental trigger keeps the trigger and rewrites in place; otherwise
// "element" is prefixed. Pairs followed by a unit are measurements, not
// elements, and digits carrying punctuation never pair.
func (n *Normalizer) rewriteElements(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		pre, core, suf := splitToken(tokens[i])

		code := ""
		consumed := 1
		switch {
		case len(core) == 2 && isDigits(core) && validElementCode(core[0], core[1]):
			code = core
		case len(core) == 3 && core[1] == '-' && isDigits(core[:1]) && isDigits(core[2:]) &&
			validElementCode(core[0], core[2]):
			code = string(core[0]) + string(core[2])
		case len(core) == 1 && isDigits(core) && pre == "" && suf == "" && i+1 < len(tokens):
			pre2, core2, suf2 := splitToken(tokens[i+1])
			if pre2 == "" && len(core2) == 1 && isDigits(core2) && validElementCode(core[0], core2[0]) {
				code = core + core2
				suf = suf2
				consumed = 2
			}
		}
		if code == "" {
			out = append(out, tokens[i])
			continue
		}

		if next := i + consumed; next < len(tokens) && n.isUnitWord(tokens[next]) {
			out = append(out, tokens[i:i+consumed]...)
			i += consumed - 1
			continue
		}

		if !n.precededByTrigger(out) {
			out = append(out, "element")
		}
		out = append(out, pre+code+suf)
		i += consumed - 1
	}
	return dedupeElements(out)
}

// precededByTrigger reports whether the last emitted token is a dental
// trigger, allowing a trailing colon ("element:").
func (n *Normalizer) precededByTrigger(emitted []string) bool {
	if len(emitted) == 0 {
		return false
	}
	_, core, _ := splitToken(emitted[len(emitted)-1])
	return n.snap.IsTrigger(core)
}

// dedupeElements collapses adjacent repeats of the same element reference:
// "element 14 element 14" becomes "element 14". Runs of any length collapse
// because each repeat is compared against the pair already emitted.
func dedupeElements(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		if i+1 < len(tokens) && len(out) >= 2 &&
			strings.EqualFold(tokens[i], "element") &&
			strings.EqualFold(out[len(out)-2], "element") &&
			out[len(out)-1] == tokens[i+1] {
			_, core, _ := splitToken(tokens[i+1])
			if isDigits(core) {
				i++
				continue
			}
		}
		out = append(out, tokens[i])
	}
	return out
}
