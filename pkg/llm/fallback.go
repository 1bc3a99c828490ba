package llm

import (
	"regexp"
	"strings"
	"unicode"
)

// FallbackConfidence is the fixed low confidence attached to every POI
// recovered by regex when the model's output could not be parsed.
const FallbackConfidence = 0.3

// fallbackPatterns are best-effort declaration matchers for common
// languages. Group 1 captures the entity name.
var fallbackPatterns = []struct {
	poiType string
	re      *regexp.Regexp
}{
	{"Function", regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][\w$]*)`)},
	{"Function", regexp.MustCompile(`(?m)^\s*(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*=>`)},
	{"Function", regexp.MustCompile(`(?m)^\s*def\s+([A-Za-z_]\w*)\s*\(`)},
	{"Function", regexp.MustCompile(`(?m)^\s*func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)\s*\(`)},
	{"Class", regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`)},
	{"Class", regexp.MustCompile(`(?m)^\s*type\s+([A-Za-z_]\w*)\s+(?:struct|interface)\b`)},
	{"Variable", regexp.MustCompile(`(?m)^(?:export\s+)?(?:const|let|var)\s+([A-Z_][A-Z0-9_]+)\s*=`)},
}

// FallbackExtract scans raw file content with regex declaration patterns
// and returns a best-effort POI list. It is the degraded path taken when
// the model's response stays unparsable; results carry a fixed low
// confidence and no relationships, so downstream scoring treats them as a
// weak single-source signal.
func FallbackExtract(filePath, content string) *FileAnalysis {
	seen := make(map[string]bool)
	analysis := &FileAnalysis{}

	for _, p := range fallbackPatterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(content, -1) {
			name := content[m[2]:m[3]]
			qualified := filePath + ":" + name
			if seen[qualified] {
				continue
			}
			seen[qualified] = true

			analysis.POIs = append(analysis.POIs, POIFinding{
				Name:          name,
				Type:          p.poiType,
				QualifiedName: qualified,
				LineNumber:    1 + strings.Count(content[:m[0]], "\n"),
				IsExported:    looksExported(content[m[0]:m[1]], name),
				Confidence:    FallbackConfidence,
			})
		}
	}

	return analysis
}

func looksExported(decl, name string) bool {
	if strings.Contains(decl, "export") {
		return true
	}
	// Go convention: uppercase initial means exported.
	r := []rune(name)
	return len(r) > 0 && unicode.IsUpper(r[0])
}
