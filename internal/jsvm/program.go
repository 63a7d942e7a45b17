package jsvm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cryguy/vmhost/internal/core"
	esbuild "github.com/evanw/esbuild/pkg/api"
)

// Program is a compiled unit ready to be loaded into any number of VMs.
type Program struct {
	Name string
	Code string
}

// Compile checks and lowers source into a Program. Nothing is executed.
// Syntax errors are returned as a *core.ScriptError.
func Compile(name, source string) (*Program, error) {
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader:     esbuild.LoaderJS,
		Target:     esbuild.ES2020,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			if e.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%s:%d:%d: %s", name, e.Location.Line, e.Location.Column, e.Text))
			} else {
				msgs = append(msgs, e.Text)
			}
		}
		return nil, &core.ScriptError{Op: "compile " + name, Err: errors.New(strings.Join(msgs, "; "))}
	}
	return &Program{Name: name, Code: string(result.Code)}, nil
}

// MustCompile is like Compile but panics on error. It is meant for
// programs embedded in the binary.
func MustCompile(name, source string) *Program {
	p, err := Compile(name, source)
	if err != nil {
		panic(err)
	}
	return p
}
