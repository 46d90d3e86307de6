package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// render executes a user template against stats. Templates see every
// Stats field plus FormattedDuration, FormattedSize and ErrorText.
func render(name, tmpl string, stats Stats) ([]byte, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return nil, err
	}

	errText := ""
	if stats.Error != nil {
		errText = stats.Error.Error()
	}
	data := struct {
		Stats
		FormattedDuration string
		FormattedSize     string
		ErrorText         string
	}{
		Stats:             stats,
		FormattedDuration: stats.Duration.Truncate(time.Second).String(),
		FormattedSize:     formatSize(stats.Size),
		ErrorText:         errText,
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
