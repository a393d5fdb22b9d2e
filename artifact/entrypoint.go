package artifact

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
)

// Handlers are the functions the inference runtime calls, in call order:
// load the model, decode the request, predict, encode the response.
var Handlers = []string{"model_fn", "input_fn", "predict_fn", "output_fn"}

//go:embed code/inference.py
var defaultEntryPoint []byte

//go:embed code/requirements.txt
var defaultRequirements []byte

var handlerDef = regexp.MustCompile(`(?m)^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// DefaultEntryPoint returns the bundled text-generation inference script.
func DefaultEntryPoint() []byte {
	out := make([]byte, len(defaultEntryPoint))
	copy(out, defaultEntryPoint)
	return out
}

// ValidateEntryPoint checks that src defines every handler at top level.
func ValidateEntryPoint(src []byte) error {
	defined := make(map[string]bool)
	for _, m := range handlerDef.FindAllSubmatch(src, -1) {
		defined[string(m[1])] = true
	}
	var missing []string
	for _, h := range Handlers {
		if !defined[h] {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("inference entry point is missing %s", strings.Join(missing, ", "))
	}
	return nil
}
