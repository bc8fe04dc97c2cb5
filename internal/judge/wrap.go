package judge

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	LanguagePython     = "Python"
	LanguageJavaScript = "JavaScript"
	LanguageJava       = "Java"
	LanguageCPP        = "C++"
	LanguageCSharp     = "C#"
	LanguageC          = "C"
)

var (
	pyFuncRe = regexp.MustCompile(`def\s+(\w+)\s*\(([^)]*)\)`)
	jsFuncRe = regexp.MustCompile(`function\s+(\w+)\s*\(|const\s+(\w+)\s*=|let\s+(\w+)\s*=`)

	intLiteralRe   = regexp.MustCompile(`^-?\d+$`)
	floatLiteralRe = regexp.MustCompile(`^-?\d+\.\d+$`)
	listLiteralRe  = regexp.MustCompile(`^\[.*\]$`)
)

// Markers of code that already performs its own I/O and must run unmodified.
var ioMarkers = map[string][]string{
	LanguagePython:     {"if __name__", "input()", "print("},
	LanguageJavaScript: {"readline", "console.log", "process.stdin"},
}

// Wrap turns a bare function definition into a runnable program that reads the
// test input from stdin, calls the function and prints its result.
// Code that already does I/O, or that is written in a language without a
// driver, is returned unchanged.
func Wrap(code, language, sampleInput string) string {
	for _, marker := range ioMarkers[language] {
		if strings.Contains(code, marker) {
			return code
		}
	}

	switch language {
	case LanguagePython:
		return wrapPython(code, sampleInput)
	case LanguageJavaScript:
		return wrapJavaScript(code, sampleInput)
	}

	return code
}

// pyCall describes the function found in the submitted code and the input it will be fed.
type pyCall struct {
	fn     string
	params []string
	inputs []string
}

// pyRule is one step of the driver selection ladder. The first rule whose
// match returns true emits the argument-reading part of the driver.
type pyRule struct {
	name  string
	match func(c pyCall) bool
	emit  func(b *strings.Builder, c pyCall)
}

const maxPositionalParams = 5

var pyRules = []pyRule{
	{
		name: "single typed argument",
		match: func(c pyCall) bool {
			return len(c.inputs) == 1 && len(c.params) == 1
		},
		emit: func(b *strings.Builder, c pyCall) {
			fmt.Fprintf(b, "    arg = %s\n", pyReader(c.inputs[0]))
			fmt.Fprintf(b, "    result = %s(arg)\n", c.fn)
		},
	},
	{
		name: "positional typed arguments",
		match: func(c pyCall) bool {
			n := len(c.params)
			return len(c.inputs) == n && n > 1 && n <= maxPositionalParams
		},
		emit: func(b *strings.Builder, c pyCall) {
			names := make([]string, len(c.params))
			for i, p := range c.params {
				names[i] = fmt.Sprintf("arg%d", i)
				fmt.Fprintf(b, "    %s = %s  # %s\n", names[i], pyReader(c.inputs[i]), p)
			}
			fmt.Fprintf(b, "    result = %s(%s)\n", c.fn, strings.Join(names, ", "))
		},
	},
	{
		name: "count-prefixed splat",
		match: func(c pyCall) bool {
			return len(c.inputs) > len(c.params)
		},
		emit: func(b *strings.Builder, c pyCall) {
			b.WriteString("    n = int(input().strip())\n")
			b.WriteString("    args = []\n")
			b.WriteString("    for _ in range(n):\n")
			b.WriteString("        val = input().strip()\n")
			b.WriteString("        try:\n")
			b.WriteString("            args.append(int(val))\n")
			b.WriteString("        except ValueError:\n")
			b.WriteString("            args.append(val)\n")
			if len(c.params) == 1 {
				fmt.Fprintf(b, "    result = %s(args)\n", c.fn)
			} else {
				fmt.Fprintf(b, "    result = %s(*args)\n", c.fn)
			}
		},
	},
	{
		name:  "generic token parse",
		match: func(pyCall) bool { return true },
		emit: func(b *strings.Builder, c pyCall) {
			b.WriteString("    args = []\n")
			fmt.Fprintf(b, "    for _ in range(%d):\n", len(c.inputs))
			b.WriteString("        raw = input().strip()\n")
			b.WriteString("        try:\n")
			b.WriteString("            args.append(int(raw))\n")
			b.WriteString("        except ValueError:\n")
			b.WriteString("            try:\n")
			b.WriteString("                args.append(eval(raw))\n")
			b.WriteString("            except Exception:\n")
			b.WriteString("                args.append(raw)\n")
			fmt.Fprintf(b, "    result = %s(*args)\n", c.fn)
		},
	},
}

// pyLiteralRules infer the type of one input token, in order.
var pyLiteralRules = []struct {
	pattern *regexp.Regexp
	reader  string
}{
	{intLiteralRe, "int(input().strip())"},
	{floatLiteralRe, "float(input().strip())"},
	{listLiteralRe, "eval(input().strip())"},
}

func pyReader(token string) string {
	for _, r := range pyLiteralRules {
		if r.pattern.MatchString(token) {
			return r.reader
		}
	}
	return "input().strip()"
}

func wrapPython(code, sampleInput string) string {
	m := pyFuncRe.FindStringSubmatch(code)
	if m == nil {
		return code
	}

	c := pyCall{
		fn:     m[1],
		params: splitNonEmpty(m[2], ","),
		inputs: splitNonEmpty(sampleInput, "\n"),
	}

	var b strings.Builder
	b.WriteString(code)
	b.WriteString("\n\n")
	b.WriteString("if __name__ == \"__main__\":\n")

	for _, r := range pyRules {
		if r.match(c) {
			r.emit(&b, c)
			break
		}
	}

	b.WriteString("    if result is None:\n")
	b.WriteString("        print(\"None\")\n")
	b.WriteString("    else:\n")
	b.WriteString("        print(result)\n")

	return b.String()
}

func wrapJavaScript(code, sampleInput string) string {
	m := jsFuncRe.FindStringSubmatch(code)
	if m == nil {
		return code
	}

	var fn string
	for _, name := range m[1:] {
		if name != "" {
			fn = name
			break
		}
	}

	inputs := strings.FieldsFunc(sampleInput, func(r rune) bool { return r == '\n' || r == ',' })
	call := fmt.Sprintf("%s(...args)", fn)
	if len(inputs) == 1 {
		call = fmt.Sprintf("%s(args[0])", fn)
	}

	var b strings.Builder
	b.WriteString(code)
	b.WriteString("\n\n")
	b.WriteString("const readline = require(\"readline\");\n")
	b.WriteString("const rl = readline.createInterface({ input: process.stdin });\n")
	b.WriteString("const lines = [];\n")
	b.WriteString("rl.on(\"line\", (line) => { lines.push(line.trim()); });\n")
	b.WriteString("rl.on(\"close\", () => {\n")
	b.WriteString("  const args = lines.map((l) => {\n")
	b.WriteString("    try { return JSON.parse(l); } catch { return isNaN(l) ? l : Number(l); }\n")
	b.WriteString("  });\n")
	fmt.Fprintf(&b, "  const result = %s;\n", call)
	b.WriteString("  console.log(result);\n")
	b.WriteString("});\n")

	return b.String()
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
