// Package scripts provides the element picker injected into previewed pages.
package scripts

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

//go:embed picker.js.tmpl
var pickerTemplateSource string

var (
	pickerTemplate     *template.Template
	pickerTemplateErr  error
	pickerTemplateOnce sync.Once
)

func parsedPicker() (*template.Template, error) {
	pickerTemplateOnce.Do(func() {
		pickerTemplate, pickerTemplateErr = template.New("picker").Parse(pickerTemplateSource)
	})
	return pickerTemplate, pickerTemplateErr
}

// Build renders the picker script for one target origin. The origin is
// embedded as a JSON string literal, so any input yields valid JavaScript.
func Build(targetOrigin string) (string, error) {
	tmpl, err := parsedPicker()
	if err != nil {
		return "", fmt.Errorf("parse picker template: %w", err)
	}

	literal, err := json.Marshal(targetOrigin)
	if err != nil {
		return "", fmt.Errorf("encode target origin: %w", err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, struct{ TargetOrigin string }{string(literal)}); err != nil {
		return "", fmt.Errorf("render picker script: %w", err)
	}
	return b.String(), nil
}

// MustBuild is like Build but panics on error.
func MustBuild(targetOrigin string) string {
	s, err := Build(targetOrigin)
	if err != nil {
		panic(err)
	}
	return s
}
