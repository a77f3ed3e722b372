package relay

import (
	"strings"

	"github.com/astromechza/roomsync/pkg/directory"
)

type snippet struct {
	label string
	body  string
}

var keywords = map[string][]string{
	"python": {
		"def", "class", "if", "else", "elif", "for", "while", "try", "except",
		"import", "from", "return", "yield", "lambda", "async", "await", "with",
	},
	"javascript": {
		"function", "const", "let", "var", "if", "else", "for", "while", "try", "catch",
		"import", "export", "return", "async", "await", "class", "extends", "super",
	},
	"typescript": {
		"function", "const", "let", "var", "if", "else", "for", "while", "try", "catch",
		"import", "export", "return", "async", "await", "class", "interface", "type",
	},
	"java": {
		"public", "private", "class", "interface", "if", "else", "for", "while", "try", "catch",
		"import", "return", "new", "static", "final", "abstract", "extends", "implements",
	},
}

var snippets = map[string][]snippet{
	"python": {
		{"def", "def ${1:function_name}(${2:args}):\n    ${3:pass}"},
		{"class", "class ${1:ClassName}:\n    def __init__(self):\n        ${2:pass}"},
	},
	"javascript": {
		{"function", "function ${1:name}(${2:params}) {\n    ${3:}\n}"},
		{"const", "const ${1:name} = ${2:value};"},
		{"arrow", "const ${1:name} = (${2:params}) => {\n    ${3:}\n};"},
	},
	"typescript": {
		{"function", "function ${1:name}(${2:params}): ${3:ReturnType} {\n    ${4:}\n}"},
		{"interface", "interface ${1:Name} {\n    ${2:properties}\n}"},
	},
}

// Complete lists the keywords of language starting with prefix, followed by the
// matching snippets. Unknown languages have no candidates.
func Complete(language, prefix string) []directory.Suggestion {
	lang := strings.ToLower(language)
	prefix = strings.ToLower(prefix)

	out := make([]directory.Suggestion, 0)
	for _, kw := range keywords[lang] {
		if strings.HasPrefix(kw, prefix) {
			out = append(out, directory.Suggestion{Label: kw, Kind: "keyword", Detail: language + " keyword"})
		}
	}
	for _, sn := range snippets[lang] {
		if strings.HasPrefix(sn.label, prefix) {
			out = append(out, directory.Suggestion{Label: sn.label, Kind: "snippet", Detail: "code snippet", InsertText: sn.body})
		}
	}
	return out
}

// LineOf returns line n (zero based) of code, or "" when there is no such line.
func LineOf(code string, n int) string {
	if n < 0 {
		return ""
	}
	lines := strings.Split(code, "\n")
	if n < len(lines) {
		return lines[n]
	}
	return ""
}
