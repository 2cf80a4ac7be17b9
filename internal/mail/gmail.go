package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mailcal/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Only read access is needed
var gmailScopes = []string{gm.GmailReadonlyScope}

// NewGmailService authenticates with credentials.json and token.json from credentialsDir
func NewGmailService(ctx context.Context, credentialsDir string) (*gm.Service, error) {
	client, err := oauthClient(ctx, credentialsDir)
	if err != nil {
		return nil, fmt.Errorf("get oauth client: %w", err)
	}
	return gm.NewService(ctx, option.WithHTTPClient(client))
}

func oauthClient(ctx context.Context, credentialsDir string) (*http.Client, error) {
	data, err := os.ReadFile(filepath.Join(credentialsDir, "credentials.json"))
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	config, err := google.ConfigFromJSON(data, gmailScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	tokenPath := filepath.Join(credentialsDir, "token.json")
	tokenData, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read token from %s: %w", tokenPath, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	return oauth2.NewClient(ctx, config.TokenSource(ctx, &token)), nil
}

// GmailSource fetches messages through the Gmail REST API
type GmailSource struct {
	svc        *gm.Service
	query      string
	filter     Filter
	normalizer Normalizer
	logger     zerolog.Logger
	pageSize   int64
	now        func() time.Time
}

// NewGmailSource creates a source. query holds extra Gmail search terms (e.g. "label:school").
func NewGmailSource(svc *gm.Service, query string, filter Filter, normalizer Normalizer, logger zerolog.Logger) *GmailSource {
	return &GmailSource{
		svc:        svc,
		query:      query,
		filter:     filter,
		normalizer: normalizer,
		logger:     logger.With().Str("component", "mail.gmail").Logger(),
		pageSize:   100,
		now:        time.Now,
	}
}

// searchQuery builds the Gmail query. after: is exclusive, so it is set one second early
// and the exact bound is applied locally.
func (s *GmailSource) searchQuery(since *time.Time) string {
	var terms []string
	if s.query != "" {
		terms = append(terms, s.query)
	}
	if s.filter.From != "" {
		terms = append(terms, "from:"+s.filter.From)
	}
	if s.filter.Subject != "" {
		terms = append(terms, `subject:"`+strings.ReplaceAll(s.filter.Subject, `"`, ``)+`"`)
	}
	if since != nil {
		terms = append(terms, "after:"+strconv.FormatInt(since.Unix()-1, 10))
	}
	return strings.Join(terms, " ")
}

// FetchSince lists matching message ids and downloads each one. Any failed download
// fails the fetch, since skipping a message could let the watermark pass it.
func (s *GmailSource) FetchSince(ctx context.Context, since *time.Time) ([]models.Message, error) {
	query := s.searchQuery(since)

	var ids []string
	pageToken := ""
	for {
		call := s.svc.Users.Messages.List("me").Q(query).MaxResults(s.pageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	messages := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		full, err := s.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get message %s: %w", id, err)
		}

		msg := s.toMessage(ctx, full)
		if since != nil && msg.DeliveredAt.Before(*since) {
			continue
		}
		if !s.filter.Match(msg.Sender, msg.Subject) {
			continue
		}
		messages = append(messages, msg)
	}

	SortByDelivery(messages)

	s.logger.Debug().Str("query", query).Int("count", len(messages)).Msg("Fetched messages from Gmail")
	return messages, nil
}

func (s *GmailSource) toMessage(ctx context.Context, full *gm.Message) models.Message {
	headers := map[string]string{}
	if full.Payload != nil {
		headers = headerMap(full.Payload.Headers)
	}

	msg := models.Message{
		ID:          full.Id,
		Subject:     headers["Subject"],
		Sender:      headers["From"],
		DeliveredAt: time.UnixMilli(full.InternalDate).UTC().Truncate(time.Second),
		RetrievedAt: s.now().UTC(),
		ContentKind: models.ContentPlain,
	}

	if full.Payload != nil {
		msg.Body, msg.ContentKind = payloadBody(full.Payload)
	}

	body, err := normalizeBody(ctx, s.normalizer, msg.Body, msg.ContentKind)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Rendering failed, stripped tags instead")
	}
	msg.Body = body

	return msg
}

// payloadBody gets the body from a message payload, preferring text/plain over text/html
func payloadBody(payload *gm.MessagePart) (string, models.ContentKind) {
	if text := findPart(payload, "text/plain"); text != "" {
		return text, models.ContentPlain
	}
	if html := findPart(payload, "text/html"); html != "" {
		return html, models.ContentRich
	}
	return "", models.ContentPlain
}

func findPart(part *gm.MessagePart, mimeType string) string {
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
			return decoded
		}
	}
	for _, child := range part.Parts {
		if child.Filename != "" {
			continue
		}
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// headerMap converts Gmail API headers into a simple key-value map
func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Name] = h.Value
	}
	return m
}

// decodeBase64URL decodes Gmail's base64url-encoded content, padded or not
func decodeBase64URL(data string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
