package executor

import (
	"sort"
	"strings"
)

// stripTypes removes the erased, type-only surface of TypeScript so the
// remaining source runs on the JavaScript isolate. It is a stripper, not a
// compiler: enum and namespace lowering and parameter-property assignment
// are out of scope. Each pass is string- and comment-aware, so type syntax
// quoted in literals survives untouched.
func stripTypes(src string) string {
	for _, pass := range []func(string) string{
		stripImportTypes,
		stripDeclares,
		stripInterfaces,
		stripTypeAliases,
		stripOverloads,
		stripAbstract,
		stripImplements,
		stripAccessModifiers,
		stripFieldAnnotations,
		stripGenericParams,
		stripAnnotations,
		stripSatisfies,
		stripAsAssertions,
		stripAngleAssertions,
		stripNonNull,
		cleanWhitespace,
	} {
		src = pass(src)
	}
	return strings.TrimSpace(src)
}

// span is a half-open byte range scheduled for removal.
type span struct{ start, end int }

// cut removes spans from src. Spans may arrive unordered and overlapping;
// they are sorted and merged first.
func cut(src string, spans []span) string {
	if len(spans) == 0 {
		return src
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for _, s := range spans {
		if s.start < last {
			if s.end > last {
				last = s.end
			}
			continue
		}
		b.WriteString(src[last:s.start])
		last = s.end
	}
	if last < len(src) {
		b.WriteString(src[last:])
	}
	return b.String()
}

// trimEnd backs a span end up over trailing whitespace so the byte that
// stopped the scan keeps its separator.
func trimEnd(src string, start, end int) int {
	for end > start {
		switch src[end-1] {
		case ' ', '\t', '\r', '\n':
			end--
		default:
			return end
		}
	}
	return end
}

// skipNonCode returns the index just past the string literal or comment
// starting at i, or i itself when code continues there.
func skipNonCode(src string, i int) int {
	switch src[i] {
	case '\'', '"':
		return skipQuoted(src, i)
	case '`':
		return skipTemplate(src, i)
	case '/':
		if i+1 < len(src) {
			switch src[i+1] {
			case '/':
				j := strings.IndexByte(src[i:], '\n')
				if j < 0 {
					return len(src)
				}
				return i + j
			case '*':
				j := strings.Index(src[i+2:], "*/")
				if j < 0 {
					return len(src)
				}
				return i + 2 + j + 2
			}
		}
	}
	return i
}

func skipQuoted(src string, i int) int {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		case '\n':
			return j
		}
	}
	return len(src)
}

func skipTemplate(src string, i int) int {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '`':
			return j + 1
		case '$':
			if j+1 < len(src) && src[j+1] == '{' {
				j = skipBraces(src, j+1) - 1
			}
		}
	}
	return len(src)
}

// skipBraces returns the index just past the brace group opening at i.
func skipBraces(src string, i int) int {
	depth := 0
	for j := i; j < len(src); {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		switch src[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
		j++
	}
	return len(src)
}

// skipBrackets returns the index just past the square-bracket group
// opening at i.
func skipBrackets(src string, i int) int {
	depth := 0
	for j := i; j < len(src); {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		switch src[j] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
		j++
	}
	return len(src)
}

// skipParens returns the index just past the paren group opening at i.
func skipParens(src string, i int) int {
	depth := 0
	for j := i; j < len(src); {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		switch src[j] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
		j++
	}
	return len(src)
}

// skipAngles returns the index just past the angle-bracket group opening
// at i, or i when the scan decides this is not a bracket group (a bare
// less-than, an unterminated group).
func skipAngles(src string, i int) int {
	depth := 0
	for j := i; j < len(src); {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		switch src[j] {
		case '<', '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case '>':
			depth--
			if depth == 0 {
				return j + 1
			}
		case '=':
			if j+1 < len(src) && src[j+1] == '>' {
				j += 2
				continue
			}
		case ';':
			if depth == 1 {
				return i
			}
		}
		j++
	}
	return i
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isIdentStart(b byte) bool {
	return b == '_' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// keywordAt reports whether word begins at i with identifier boundaries on
// both sides.
func keywordAt(src string, i int, word string) bool {
	if i < 0 || !strings.HasPrefix(src[i:], word) {
		return false
	}
	if i > 0 && isIdentByte(src[i-1]) {
		return false
	}
	end := i + len(word)
	return end >= len(src) || !isIdentByte(src[end])
}

// wordEndsAt reports whether word occupies src ending just before end.
func wordEndsAt(src string, end int, word string) bool {
	start := end - len(word)
	if start < 0 || src[start:end] != word {
		return false
	}
	return start == 0 || !isIdentByte(src[start-1])
}

func nextNonSpace(src string, i int) int {
	for i < len(src) {
		switch src[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return i
		}
	}
	return i
}

func nextNonSpaceInline(src string, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t') {
		i++
	}
	return i
}

// prevNonSpace returns the index of the last non-whitespace byte before i,
// or -1.
func prevNonSpace(src string, i int) int {
	for j := i - 1; j >= 0; j-- {
		switch src[j] {
		case ' ', '\t', '\r', '\n':
		default:
			return j
		}
	}
	return -1
}

func identEnd(src string, i int) int {
	for i < len(src) && isIdentByte(src[i]) {
		i++
	}
	return i
}

// statementEnd returns the index just past the statement starting at i:
// past the terminating semicolon, or at the first newline outside
// brackets when the statement has none.
func statementEnd(src string, i int) int {
	depth := 0
	for j := i; j < len(src); {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		switch src[j] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ';':
			if depth <= 0 {
				return j + 1
			}
		case '\n':
			if depth <= 0 {
				return j
			}
		}
		j++
	}
	return len(src)
}

// blockOrStatementEnd returns the end of a declaration starting near i:
// past the matching close brace when a block opens first, past the
// semicolon or at the newline otherwise.
func blockOrStatementEnd(src string, i int) int {
	for j := i; j < len(src); {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		switch src[j] {
		case '{':
			return skipBraces(src, j)
		case ';':
			return j + 1
		case '\n':
			return j
		}
		j++
	}
	return len(src)
}

// consumeType returns the index of the first byte after a type expression
// starting at i. Bracket pairs of every kind nest; the scan stops at a
// comma, semicolon, closing bracket, assignment, or newline at zero depth.
// The => of function types and multi-line | and & continuations do not
// stop it.
func consumeType(src string, i int) int {
	depth := 0
	j := nextNonSpaceInline(src, i)
	for j < len(src) {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		c := src[j]
		switch c {
		case '<', '(', '[', '{':
			depth++
		case '>', ')', ']', '}':
			if depth == 0 {
				return j
			}
			depth--
		case '=':
			if j+1 < len(src) && src[j+1] == '>' {
				j += 2
				continue
			}
			if depth == 0 {
				return j
			}
		case ',', ';':
			if depth == 0 {
				return j
			}
		case '\n':
			if depth == 0 {
				p := prevNonSpace(src, j)
				n := nextNonSpace(src, j)
				if p >= 0 && (src[p] == '|' || src[p] == '&') {
					j++
					continue
				}
				if n < len(src) && (src[n] == '|' || src[n] == '&') {
					j = n
					continue
				}
				return j
			}
		}
		j++
	}
	return len(src)
}

// consumeParamType consumes a parameter annotation starting after the
// colon. Unlike consumeType, newlines do not stop it: parameters live
// inside parens where line breaks are free. The scan never passes limit.
func consumeParamType(src string, i, limit int) int {
	depth := 0
	for j := i; j < limit; {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		c := src[j]
		switch c {
		case '<', '(', '[', '{':
			depth++
		case '>', ')', ']', '}':
			if depth == 0 {
				return j
			}
			depth--
		case '=':
			if j+1 < limit && src[j+1] == '>' {
				j += 2
				continue
			}
			if depth == 0 {
				return j
			}
		case ',', ';':
			if depth == 0 {
				return j
			}
		}
		j++
	}
	return limit
}

// consumeReturnType consumes a return annotation starting after the colon.
// A top-level brace group stops the scan unless the annotation itself
// begins with one, so function bodies survive. In arrow mode a top-level
// => stops the scan instead of being read as a function type.
func consumeReturnType(src string, i int, arrow bool) int {
	depth := 0
	first := true
	j := nextNonSpace(src, i)
	for j < len(src) {
		if k := skipNonCode(src, j); k > j {
			j = k
			continue
		}
		c := src[j]
		switch c {
		case '{':
			if depth == 0 {
				if !first {
					return j
				}
				j = skipBraces(src, j)
				first = false
				continue
			}
			depth++
		case '<', '(', '[':
			depth++
		case '>', ')', ']', '}':
			if depth == 0 {
				return j
			}
			depth--
		case '=':
			if j+1 < len(src) && src[j+1] == '>' {
				if arrow && depth == 0 {
					return j
				}
				j += 2
				continue
			}
			if depth == 0 {
				return j
			}
		case ',', ';':
			if depth == 0 {
				return j
			}
		case '\n':
			if depth == 0 {
				return j
			}
		case ' ', '\t', '\r':
		default:
			first = false
		}
		j++
	}
	return len(src)
}

// leadingKeyword widens start to include word when it immediately
// precedes it.
func leadingKeyword(src string, start int, word string) int {
	p := prevNonSpace(src, start)
	if p < 0 {
		return start
	}
	if wordEndsAt(src, p+1, word) {
		return p + 1 - len(word)
	}
	return start
}

// stripImportTypes removes type-only imports and exports: whole
// import type and export type statements, and type specifiers inside
// mixed import lists.
func stripImportTypes(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		switch {
		case keywordAt(src, i, "import"):
			j := nextNonSpace(src, i+len("import"))
			if keywordAt(src, j, "type") {
				end := statementEnd(src, i)
				spans = append(spans, span{i, end})
				i = end
				continue
			}
			end := statementEnd(src, i)
			for k := j; k < end; k++ {
				if m := skipNonCode(src, k); m > k {
					k = m - 1
					continue
				}
				if src[k] == '{' {
					stripTypeSpecifiers(src, k, end, &spans)
					break
				}
			}
			i = end
		case keywordAt(src, i, "export"):
			j := nextNonSpace(src, i+len("export"))
			if keywordAt(src, j, "type") {
				end := statementEnd(src, i)
				spans = append(spans, span{i, end})
				i = end
				continue
			}
			i += len("export")
		default:
			i++
		}
	}
	return cut(src, spans)
}

// stripTypeSpecifiers removes `type X` entries from the import specifier
// list opening at the given brace.
func stripTypeSpecifiers(src string, open, end int, spans *[]span) {
	i := open + 1
	for i < end {
		if m := skipNonCode(src, i); m > i {
			i = m
			continue
		}
		if src[i] == '}' {
			return
		}
		start := nextNonSpace(src, i)
		if keywordAt(src, start, "type") {
			k := start
			for k < end && src[k] != ',' && src[k] != '}' {
				k++
			}
			if k < end && src[k] == ',' {
				*spans = append(*spans, span{start, k + 1})
			} else {
				s := start
				if p := prevNonSpace(src, start); p >= 0 && src[p] == ',' {
					s = p
				}
				*spans = append(*spans, span{s, k})
			}
			i = k
			continue
		}
		for i < end && src[i] != ',' && src[i] != '}' {
			if m := skipNonCode(src, i); m > i {
				i = m
				continue
			}
			i++
		}
		if i < end && src[i] == ',' {
			i++
		}
	}
}

// stripDeclares removes ambient declarations; they contribute nothing at
// runtime.
func stripDeclares(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		var start, kw int
		if keywordAt(src, i, "export") {
			n := nextNonSpace(src, i+len("export"))
			if !keywordAt(src, n, "declare") {
				i += len("export")
				continue
			}
			start, kw = i, n
		} else if keywordAt(src, i, "declare") {
			start, kw = i, i
		} else {
			i++
			continue
		}
		end := blockOrStatementEnd(src, kw+len("declare"))
		spans = append(spans, span{start, end})
		i = end
	}
	return cut(src, spans)
}

// stripInterfaces removes interface declarations, exported and generic
// forms included.
func stripInterfaces(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		var start, kw int
		if keywordAt(src, i, "export") {
			n := nextNonSpace(src, i+len("export"))
			if !keywordAt(src, n, "interface") {
				i += len("export")
				continue
			}
			start, kw = i, n
		} else if keywordAt(src, i, "interface") {
			p := prevNonSpace(src, i)
			if p >= 0 && src[p] == '.' {
				i += len("interface")
				continue
			}
			start, kw = i, i
		} else {
			i++
			continue
		}
		end := start
		for m := kw + len("interface"); m < len(src); {
			if k := skipNonCode(src, m); k > m {
				m = k
				continue
			}
			if src[m] == '{' {
				end = skipBraces(src, m)
				break
			}
			m++
		}
		if end > start {
			spans = append(spans, span{start, end})
			i = end
		} else {
			i = kw + len("interface")
		}
	}
	return cut(src, spans)
}

// stripTypeAliases removes `type X = …` declarations, generic and
// multi-line union forms included.
func stripTypeAliases(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		var start, kw int
		if keywordAt(src, i, "export") {
			n := nextNonSpace(src, i+len("export"))
			if !keywordAt(src, n, "type") {
				i += len("export")
				continue
			}
			start, kw = i, n
		} else if keywordAt(src, i, "type") {
			p := prevNonSpace(src, i)
			if p >= 0 && src[p] == '.' {
				i += len("type")
				continue
			}
			start, kw = i, i
		} else {
			i++
			continue
		}
		n := nextNonSpaceInline(src, kw+len("type"))
		if n >= len(src) || !isIdentStart(src[n]) {
			i = kw + len("type")
			continue
		}
		n = identEnd(src, n)
		n = nextNonSpace(src, n)
		if n < len(src) && src[n] == '<' {
			g := skipAngles(src, n)
			if g == n {
				i = kw + len("type")
				continue
			}
			n = nextNonSpace(src, g)
		}
		if n >= len(src) || src[n] != '=' || (n+1 < len(src) && src[n+1] == '>') {
			i = kw + len("type")
			continue
		}
		end := consumeType(src, n+1)
		if end < len(src) && src[end] == ';' {
			end++
		}
		spans = append(spans, span{start, end})
		i = end
	}
	return cut(src, spans)
}

// stripOverloads removes bodyless function signatures left behind by
// overload declarations.
func stripOverloads(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if !keywordAt(src, i, "function") {
			i++
			continue
		}
		j := nextNonSpace(src, i+len("function"))
		if j >= len(src) || !isIdentStart(src[j]) {
			i += len("function")
			continue
		}
		j = identEnd(src, j)
		j = nextNonSpace(src, j)
		if j < len(src) && src[j] == '<' {
			g := skipAngles(src, j)
			if g == j {
				i += len("function")
				continue
			}
			j = nextNonSpace(src, g)
		}
		if j >= len(src) || src[j] != '(' {
			i += len("function")
			continue
		}
		j = skipParens(src, j)
		n := nextNonSpace(src, j)
		if n < len(src) && src[n] == ':' {
			j = consumeReturnType(src, n+1, false)
			n = nextNonSpace(src, j)
		}
		if n < len(src) && src[n] == '{' {
			i = n
			continue
		}
		start := leadingKeyword(src, i, "export")
		end := j
		if n < len(src) && src[n] == ';' {
			end = n + 1
		}
		spans = append(spans, span{start, end})
		i = end
	}
	return cut(src, spans)
}

// stripAbstract drops the abstract modifier on classes and removes
// abstract member signatures outright.
func stripAbstract(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if !keywordAt(src, i, "abstract") {
			i++
			continue
		}
		j := nextNonSpace(src, i+len("abstract"))
		if keywordAt(src, j, "class") {
			spans = append(spans, span{i, j})
			i = j
			continue
		}
		end := blockOrStatementEnd(src, i)
		spans = append(spans, span{i, end})
		i = end
	}
	return cut(src, spans)
}

// stripImplements drops implements clauses from class headers, leaving
// any extends clause alone.
func stripImplements(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if !keywordAt(src, i, "implements") {
			i++
			continue
		}
		j := i + len("implements")
		depth := 0
		for j < len(src) {
			if k := skipNonCode(src, j); k > j {
				j = k
				continue
			}
			c := src[j]
			if depth == 0 && c == '{' {
				break
			}
			switch c {
			case '<', '(', '[':
				depth++
			case '>', ')', ']':
				if depth > 0 {
					depth--
				}
			}
			j++
		}
		spans = append(spans, span{i, j})
		i = j
	}
	return cut(src, spans)
}

// stripAccessModifiers removes public, private, protected, and readonly
// keywords from class members and constructor parameters.
func stripAccessModifiers(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		matched := false
		for _, w := range [...]string{"public", "private", "protected", "readonly"} {
			if !keywordAt(src, i, w) {
				continue
			}
			if p := prevNonSpace(src, i); p >= 0 && src[p] == '.' {
				break
			}
			n := nextNonSpace(src, i+len(w))
			if n < len(src) && (isIdentStart(src[n]) || src[n] == '[' || src[n] == '{' || src[n] == '#') {
				spans = append(spans, span{i, n})
				i = n
				matched = true
			}
			break
		}
		if !matched {
			i++
		}
	}
	return cut(src, spans)
}

// stripFieldAnnotations removes type annotations from class field
// declarations. Method parameter and return annotations are handled by the
// general annotation pass.
func stripFieldAnnotations(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if !keywordAt(src, i, "class") {
			i++
			continue
		}
		j := i + len("class")
		for j < len(src) && src[j] != '{' {
			if k := skipNonCode(src, j); k > j {
				j = k
				continue
			}
			j++
		}
		if j >= len(src) {
			break
		}
		classFieldSpans(src, j+1, skipBraces(src, j)-1, &spans)
		i = j + 1
	}
	return cut(src, spans)
}

// classFieldSpans records annotation spans for members at the top level of a
// class body. Nested groups are skipped wholesale so initializers and method
// bodies are never mistaken for field declarations.
func classFieldSpans(src string, from, to int, spans *[]span) {
	memberStart := from
	for i := from; i < to; {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		switch src[i] {
		case '(':
			i = skipParens(src, i)
			continue
		case '[':
			i = skipBrackets(src, i)
			continue
		case '{':
			i = skipBraces(src, i)
			continue
		case ';', '\n':
			memberStart = i + 1
		case ':':
			if isFieldName(src, memberStart, i) {
				s := i
				if p := prevNonSpace(src, i); p >= memberStart && (src[p] == '?' || src[p] == '!') {
					s = p
				}
				t := consumeType(src, i+1)
				*spans = append(*spans, span{s, trimEnd(src, i+1, t)})
				i = t
				continue
			}
		}
		i++
	}
}

// isFieldName reports whether src[from:to] is a bare member name, optionally
// marked static or optional, as opposed to a method signature or an
// initializer expression.
func isFieldName(src string, from, to int) bool {
	i := nextNonSpace(src, from)
	for _, w := range [...]string{"static", "declare", "override", "accessor"} {
		if keywordAt(src, i, w) {
			i = nextNonSpace(src, i+len(w))
		}
	}
	if i < to && src[i] == '#' {
		i++
	}
	if i >= to || !isIdentStart(src[i]) {
		return false
	}
	i = nextNonSpace(src, identEnd(src, i))
	if i < to && (src[i] == '?' || src[i] == '!') {
		i = nextNonSpace(src, i+1)
	}
	return i >= to
}

// stripGenericParams removes declaration-site generic parameter lists
// from functions, methods, call sites, and class headers, with balanced
// scanning at arbitrary depth.
func stripGenericParams(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if src[i] != '<' {
			i++
			continue
		}
		p := prevNonSpace(src, i)
		if p < 0 || !isIdentByte(src[p]) {
			i++
			continue
		}
		end := skipAngles(src, i)
		if end <= i {
			i++
			continue
		}
		n := nextNonSpace(src, end)
		strip := n < len(src) && src[n] == '('
		if !strip && n < len(src) && (src[n] == '{' || keywordAt(src, n, "extends")) {
			nameStart := p
			for nameStart >= 0 && isIdentByte(src[nameStart]) {
				nameStart--
			}
			q := prevNonSpace(src, nameStart+1)
			strip = q >= 0 && (wordEndsAt(src, q+1, "class") || wordEndsAt(src, q+1, "extends"))
		}
		if strip {
			spans = append(spans, span{i, end})
			i = end
			continue
		}
		i++
	}
	return cut(src, spans)
}

// stripAnnotations removes parameter annotations (the this parameter
// included), return annotations, and variable declaration annotations.
func stripAnnotations(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if keywordAt(src, i, "const") || keywordAt(src, i, "let") || keywordAt(src, i, "var") {
			varAnnotationSpans(src, i, &spans)
			i = identEnd(src, i)
			continue
		}
		if src[i] == '(' {
			parenAnnotationSpans(src, i, &spans)
			i++
			continue
		}
		i++
	}
	return cut(src, spans)
}

// varAnnotationSpans records annotation spans on the declarators of one
// const, let, or var statement.
func varAnnotationSpans(src string, kw int, spans *[]span) {
	i := identEnd(src, kw)
	for {
		i = nextNonSpace(src, i)
		if i >= len(src) {
			return
		}
		switch {
		case src[i] == '{':
			i = skipBraces(src, i)
		case src[i] == '[':
			i = skipBrackets(src, i)
		case isIdentStart(src[i]):
			i = identEnd(src, i)
		default:
			return
		}
		j := nextNonSpace(src, i)
		if j < len(src) && src[j] == '!' {
			n := nextNonSpace(src, j+1)
			if n < len(src) && src[n] == ':' {
				t := consumeType(src, n+1)
				*spans = append(*spans, span{j, trimEnd(src, n+1, t)})
				j = t
			}
		} else if j < len(src) && src[j] == ':' {
			t := consumeType(src, j+1)
			*spans = append(*spans, span{j, trimEnd(src, j+1, t)})
			j = t
		}
		depth := 0
		for j < len(src) {
			if k := skipNonCode(src, j); k > j {
				j = k
				continue
			}
			c := src[j]
			if depth == 0 && (c == ',' || c == ';' || c == '\n' || c == ')') {
				break
			}
			switch c {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				depth--
			}
			j++
		}
		if j < len(src) && src[j] == ',' {
			i = j + 1
			continue
		}
		return
	}
}

// parenAnnotationSpans records parameter and return annotation spans for
// the paren group opening at open. Nested groups are left to the caller's
// scan; overlapping spans merge in cut.
func parenAnnotationSpans(src string, open int, spans *[]span) {
	end := skipParens(src, open)
	if end <= open+1 || src[end-1] != ')' {
		return
	}
	rparen := end - 1

	i := open + 1
	elemStart := i
	depth := 0
	for i < rparen {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		c := src[i]
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				elemStart = i + 1
			}
		case '?':
			if depth == 0 && isParamPattern(src, elemStart, i) {
				n := nextNonSpace(src, i+1)
				if n >= rparen || src[n] == ',' {
					*spans = append(*spans, span{i, i + 1})
				} else if src[n] == ':' {
					t := consumeParamType(src, n+1, rparen)
					*spans = append(*spans, span{i, trimEnd(src, n+1, t)})
					i = t
					continue
				}
			}
		case ':':
			if depth == 0 && isParamPattern(src, elemStart, i) {
				t := consumeParamType(src, i+1, rparen)
				if isThisParam(src, elemStart, i) {
					s := nextNonSpace(src, elemStart)
					e := trimEnd(src, i+1, t)
					if n := nextNonSpace(src, t); n < rparen && src[n] == ',' {
						e = nextNonSpace(src, n+1)
					}
					*spans = append(*spans, span{s, e})
				} else {
					*spans = append(*spans, span{i, trimEnd(src, i+1, t)})
				}
				i = t
				continue
			}
		}
		i++
	}

	returnAnnotationSpan(src, open, end, spans)
}

// isParamPattern reports whether src[from:to] is a parameter pattern: an
// optional rest prefix followed by a bare identifier or one destructuring
// group, and nothing else.
func isParamPattern(src string, from, to int) bool {
	i := nextNonSpace(src, from)
	if i >= to {
		return false
	}
	if strings.HasPrefix(src[i:], "...") {
		i = nextNonSpace(src, i+3)
	}
	switch {
	case i < to && src[i] == '{':
		i = skipBraces(src, i)
	case i < to && src[i] == '[':
		i = skipBrackets(src, i)
	case i < to && isIdentStart(src[i]):
		i = identEnd(src, i)
	default:
		return false
	}
	return nextNonSpace(src, i) >= to
}

func isThisParam(src string, from, to int) bool {
	i := nextNonSpace(src, from)
	return keywordAt(src, i, "this") && nextNonSpace(src, i+len("this")) >= to
}

// returnAnnotationSpan records the return annotation following the paren
// group [open, end), when the group reads as a signature. Ternary and
// case colons never qualify: the former is killed by the token before the
// group, the latter by the follower check.
func returnAnnotationSpan(src string, open, end int, spans *[]span) {
	if p := prevNonSpace(src, open); p >= 0 {
		if src[p] == '?' || wordEndsAt(src, p+1, "case") {
			return
		}
	}
	n := nextNonSpace(src, end)
	if n >= len(src) || src[n] != ':' {
		return
	}
	t := consumeReturnType(src, n+1, true)
	if f := nextNonSpace(src, t); f+1 < len(src) && src[f] == '=' && src[f+1] == '>' {
		*spans = append(*spans, span{n, trimEnd(src, n+1, t)})
		return
	}
	t = consumeReturnType(src, n+1, false)
	if f := nextNonSpace(src, t); f < len(src) && src[f] == '{' {
		*spans = append(*spans, span{n, trimEnd(src, n+1, t)})
	}
}

// stripSatisfies removes satisfies expressions.
func stripSatisfies(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if !keywordAt(src, i, "satisfies") {
			i++
			continue
		}
		p := prevNonSpace(src, i)
		if p < 0 || !isExprEnd(src[p]) {
			i += len("satisfies")
			continue
		}
		end := consumeType(src, i+len("satisfies"))
		spans = append(spans, span{p + 1, trimEnd(src, i+len("satisfies"), end)})
		i = end
	}
	return cut(src, spans)
}

// stripAsAssertions removes `as Type` and `as { … }` assertions while
// preserving as const. Import and export specifier lists keep their
// rename form untouched.
func stripAsAssertions(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if keywordAt(src, i, "import") {
			i = statementEnd(src, i)
			continue
		}
		if keywordAt(src, i, "export") {
			if n := nextNonSpace(src, i+len("export")); n < len(src) && src[n] == '{' {
				i = statementEnd(src, i)
				continue
			}
			i += len("export")
			continue
		}
		if !keywordAt(src, i, "as") {
			i++
			continue
		}
		p := prevNonSpace(src, i)
		if p < 0 || !isExprEnd(src[p]) {
			i += len("as")
			continue
		}
		n := nextNonSpace(src, i+len("as"))
		if keywordAt(src, n, "const") {
			i = n + len("const")
			continue
		}
		end := consumeType(src, i+len("as"))
		spans = append(spans, span{p + 1, trimEnd(src, i+len("as"), end)})
		i = end
	}
	return cut(src, spans)
}

// stripAngleAssertions removes <Type>expr casts. JSX is not accepted in
// function source, so an angle group in expression position is always an
// assertion.
func stripAngleAssertions(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if src[i] != '<' {
			i++
			continue
		}
		p := prevNonSpace(src, i)
		exprPos := p < 0
		if p >= 0 {
			switch src[p] {
			case '=', '(', ',', '[', '{', ';', ':':
				exprPos = true
			default:
				exprPos = wordEndsAt(src, p+1, "return")
			}
		}
		if !exprPos {
			i++
			continue
		}
		end := skipAngles(src, i)
		if end <= i {
			i++
			continue
		}
		n := nextNonSpace(src, end)
		if n < len(src) && (isIdentStart(src[n]) || src[n] == '(' || src[n] == '[' || src[n] == '{' ||
			src[n] == '\'' || src[n] == '"' || src[n] == '`') {
			spans = append(spans, span{i, end})
			i = end
			continue
		}
		i++
	}
	return cut(src, spans)
}

// stripNonNull removes non-null assertion operators. The scanner passes
// string literals through whole, so a ! inside quotes always survives.
func stripNonNull(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if src[i] != '!' {
			i++
			continue
		}
		if i+1 < len(src) && src[i+1] == '=' {
			i += 2
			continue
		}
		p := prevNonSpace(src, i)
		if p >= 0 && (isIdentByte(src[p]) || src[p] == ')' || src[p] == ']' ||
			src[p] == '\'' || src[p] == '"' || src[p] == '`') {
			spans = append(spans, span{i, i + 1})
		}
		i++
	}
	return cut(src, spans)
}

// isExprEnd reports whether b can end an expression the as and satisfies
// operators attach to.
func isExprEnd(b byte) bool {
	return isIdentByte(b) || b == ')' || b == ']' || b == '}' || b == '\'' || b == '"' || b == '`'
}

// cleanWhitespace removes imports emptied by specifier stripping,
// collapses space runs and blank-line runs outside string literals, and
// leaves trimming to the caller.
func cleanWhitespace(src string) string {
	src = removeEmptyImports(src)
	var b strings.Builder
	b.Grow(len(src))
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			b.WriteString(src[i:k])
			i = k
			continue
		}
		switch src[i] {
		case ' ':
			j := i
			for j < len(src) && src[j] == ' ' {
				j++
			}
			b.WriteByte(' ')
			i = j
		case '\n':
			j := i
			n := 0
			for j < len(src) && src[j] == '\n' {
				n++
				j++
			}
			if n >= 3 {
				b.WriteString("\n\n")
			} else {
				b.WriteString(src[i:j])
			}
			i = j
		default:
			b.WriteByte(src[i])
			i++
		}
	}
	return b.String()
}

// removeEmptyImports drops `import {} from '…'` statements left behind
// once every specifier proved type-only.
func removeEmptyImports(src string) string {
	var spans []span
	for i := 0; i < len(src); {
		if k := skipNonCode(src, i); k > i {
			i = k
			continue
		}
		if !keywordAt(src, i, "import") {
			i++
			continue
		}
		end := statementEnd(src, i)
		j := nextNonSpace(src, i+len("import"))
		if j < end && src[j] == '{' {
			k := nextNonSpace(src, j+1)
			if k < end && src[k] == '}' {
				if f := nextNonSpace(src, k+1); keywordAt(src, f, "from") {
					spans = append(spans, span{i, end})
				}
			}
		}
		i = end
	}
	return cut(src, spans)
}
