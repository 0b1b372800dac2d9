package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rendis/tagflow/internal/engine"
	"github.com/rendis/tagflow/internal/report"
)

// reportMode parses the report setting; ok is false for "none".
func reportMode(s string) (mode report.Mode, ok bool, err error) {
	if s == "none" {
		return 0, false, nil
	}
	mode, err = report.ParseMode(s)
	return mode, err == nil, err
}

// writeItem prints a terminal item: string payloads verbatim, anything else
// as JSON. asJSON prints the whole item.
func writeItem(w io.Writer, item engine.Item, asJSON bool) error {
	if !asJSON {
		if s, ok := item.Payload.(string); ok {
			_, err := fmt.Fprintln(w, s)
			return err
		}
		data, err := json.Marshal(item.Payload)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
