package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type SlackNotifier struct {
	WebhookURL string
	Template   string
	Client     *http.Client
}

func NewSlackNotifier(url, tmpl string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: url, Template: tmpl, Client: defaultClient}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackNotifier) attachment(stats Stats) slackAttachment {
	color := "#36a64f"
	title := fmt.Sprintf("✅ %s Successful", stats.Operation)
	if stats.Status == StatusError {
		color = "#ff0000"
		title = fmt.Sprintf("❌ %s Failed", stats.Operation)
	}

	att := slackAttachment{
		Color:  color,
		Title:  title,
		Footer: "pgbackup",
		Ts:     time.Now().Unix(),
		Fields: []slackField{
			{Title: "Server", Value: stats.Server, Short: true},
			{Title: "Database", Value: stats.Database, Short: true},
			{Title: "Duration", Value: stats.Duration.Truncate(time.Second).String(), Short: true},
		},
	}
	if stats.FileName != "" {
		att.Fields = append(att.Fields, slackField{Title: "File", Value: stats.FileName})
	}
	if stats.Size > 0 {
		att.Fields = append(att.Fields, slackField{Title: "Size", Value: formatSize(stats.Size), Short: true})
	}
	if stats.Error != nil {
		att.Text = fmt.Sprintf("*Error:* %v", stats.Error)
	}
	return att
}

func (s *SlackNotifier) Notify(ctx context.Context, stats Stats) error {
	if s.WebhookURL == "" {
		return nil
	}

	var body []byte
	var err error
	if s.Template != "" {
		body, err = render("slack", s.Template, stats)
		if err != nil {
			return fmt.Errorf("failed to render slack template: %w", err)
		}
	} else {
		body, err = json.Marshal(slackPayload{Attachments: []slackAttachment{s.attachment(stats)}})
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack notification failed with status: %s", resp.Status)
	}
	return nil
}
