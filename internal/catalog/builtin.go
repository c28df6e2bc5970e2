package catalog

// Builtins returns the built-in tool set. The "agenttools" module is
// exported into the step sandbox by the executor; everything else is safe
// standard library.
func Builtins() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name:             "web_search",
			Origin:           OriginBuiltin,
			AllowedLibraries: []string{"agenttools", "strings", "fmt"},
			Instructions: "Search the web for fresh information. Call agenttools.WebSearch " +
				"with a natural-language query; it returns scraped page text ready to summarize.",
			CodeExample: `import (
	"agenttools"
)

func web_search() map[string]interface{} {
	text := agenttools.WebSearch("<query>")
	return map[string]interface{}{"search_results": text}
}`,
		},
		{
			Name:             "rag_retrieve",
			Origin:           OriginBuiltin,
			AllowedLibraries: []string{"agenttools", "strings", "fmt"},
			Instructions: "Retrieve passages from the ingested corpus. Call agenttools.Retrieve " +
				"with the question; the retrieval strategy is chosen upstream.",
			CodeExample: `import (
	"agenttools"
)

func rag_retrieve() map[string]interface{} {
	passages := agenttools.Retrieve("<question>")
	return map[string]interface{}{"passages": passages}
}`,
		},
		{
			Name:             "statistics",
			Origin:           OriginBuiltin,
			AllowedLibraries: []string{"math", "sort", "fmt"},
			Instructions: "Numeric computation over small in-memory datasets: means, medians, " +
				"minima, maxima, simple aggregations.",
			CodeExample: `func statistics() map[string]interface{} {
	values := []float64{1, 2, 3}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	return map[string]interface{}{"mean": mean}
}`,
		},
		{
			Name:             "text_format",
			Origin:           OriginBuiltin,
			AllowedLibraries: []string{"strings", "strconv", "fmt", "regexp"},
			Instructions: "String assembly and formatting of values produced by earlier steps. " +
				"Always read inputs from previous_output, never recompute them.",
			CodeExample: `import (
	"fmt"
)

func text_format(previous_output map[string]interface{}) map[string]interface{} {
	updated_dict := copy_dict(previous_output)
	rendered := fmt.Sprintf("result: %v", updated_dict["value"])
	updated_dict["rendered"] = rendered
	return updated_dict
}`,
		},
	}
}
