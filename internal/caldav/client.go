// Package caldav mirrors occurrences into a CalDAV calendar collection.
//
// Each occurrence is one calendar object resource at {collection}/{uid}.ics, so
// pushing the same occurrence twice overwrites the same resource.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mailcal/internal/models"

	ical "github.com/arran4/golang-ical"
	"github.com/rs/zerolog"
)

const productID = "-//mailcal//mailcal//EN"

// Options configures the client
type Options struct {
	URL      string // Calendar collection URL
	Username string
	Password string
	Timeout  time.Duration
	Location *time.Location // Zone all-day dates are rendered in
}

// Client talks plain HTTP to a CalDAV collection
type Client struct {
	base     string
	username string
	password string
	client   *http.Client
	location *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a client for the collection at opts.URL
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("calendar URL is empty")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid calendar URL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Client{
		base:     strings.TrimRight(opts.URL, "/"),
		username: opts.Username,
		password: opts.Password,
		client:   &http.Client{Timeout: timeout},
		location: loc,
		logger:   logger.With().Str("component", "caldav").Logger(),
		now:      time.Now,
	}, nil
}

// Push creates or replaces the calendar object for occ
func (c *Client) Push(ctx context.Context, occ models.Occurrence) error {
	body := BuildCalendar(occ, c.now(), c.location).Serialize()

	resp, err := c.do(ctx, http.MethodPut, occ.UID, strings.NewReader(body))
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push %s: unexpected status %s", occ.UID, resp.Status)
	}

	c.logger.Debug().Str("uid", occ.UID).Int("status", resp.StatusCode).Msg("Pushed occurrence")
	return nil
}

// Remove deletes the calendar object with the given UID. A missing object counts as removed.
func (c *Client) Remove(ctx context.Context, uid string) error {
	resp, err := c.do(ctx, http.MethodDelete, uid, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		c.logger.Debug().Str("uid", uid).Int("status", resp.StatusCode).Msg("Removed occurrence")
		return nil
	default:
		return fmt.Errorf("remove %s: unexpected status %s", uid, resp.Status)
	}
}

func (c *Client) do(ctx context.Context, method, uid string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.objectURL(uid), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, uid, err)
	}
	return resp, nil
}

func (c *Client) objectURL(uid string) string {
	return c.base + "/" + url.PathEscape(uid) + ".ics"
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// BuildCalendar renders occ as a single-event iCalendar object.
// All-day occurrences become DATE values in loc with an exclusive end on the following day.
func BuildCalendar(occ models.Occurrence, stamp time.Time, loc *time.Location) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	event := cal.AddEvent(occ.UID)
	event.SetDtStampTime(stamp.UTC())
	event.SetSummary(occ.Summary)

	if occ.AllDay {
		event.SetAllDayStartAt(occ.Start.In(loc))
		event.SetAllDayEndAt(occ.End.In(loc).AddDate(0, 0, 1))
	} else {
		event.SetStartAt(occ.Start.UTC())
		event.SetEndAt(occ.End.UTC())
	}

	if occ.MessageID != nil {
		event.SetDescription("Source message: " + *occ.MessageID)
	}

	return cal
}
