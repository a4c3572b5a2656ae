package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// printResult writes v in the selected format. text renders the text
// format; without it text falls back to JSON.
func printResult(cmd *cobra.Command, v any, text func(w io.Writer)) {
	w := cmd.OutOrStdout()
	switch {
	case formatFlag == "text" && text != nil:
		text(w)
	case formatFlag == "yaml":
		// Round-trip through JSON so yaml keys follow the json tags.
		var generic any
		b, err := json.Marshal(v)
		if err != nil {
			exitErr("encode", err)
		}
		if err := json.Unmarshal(b, &generic); err != nil {
			exitErr("encode", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			exitErr("encode yaml", err)
		}
		fmt.Fprint(w, string(out))
	default:
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintln(w, string(b))
	}
}
