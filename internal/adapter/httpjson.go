package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPJSONAdapter fetches character profiles from game servers that expose a
// JSON profile endpoint (GET <base>/characters/<name>?world=<world>). HTML
// scrapers for servers without such an endpoint implement the same Adapter
// interface in their own packages.
//
// Failure classification:
//   - 404                      -> NotFound
//   - 429, 5xx, network errors -> Transient
//   - undecodable payload      -> ParseError
type HTTPJSONAdapter struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

// HTTPJSONOptions configures an HTTPJSONAdapter.
type HTTPJSONOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration // client-level ceiling; per-cycle deadline comes from ctx
}

// NewHTTPJSONAdapter validates opts and returns a ready adapter.
func NewHTTPJSONAdapter(opts HTTPJSONOptions) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "go-tracker-backend/1.0"
	}
	return &HTTPJSONAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
	}, nil
}

// profilePayload mirrors the JSON profile document. Field names follow the
// common denominator of the servers we ingest from.
type profilePayload struct {
	Name       string `json:"name"`
	Level      int    `json:"level"`
	Vocation   string `json:"vocation"`
	Experience int64  `json:"experience"`
	Deaths     int    `json:"deaths"`
	Guild      string `json:"guild"`
	World      string `json:"world"`
	Residence  string `json:"residence"`
	Online     bool   `json:"online"`
	OutfitURL  string `json:"outfit_url"`
}

// Fetch retrieves and normalizes one character profile.
func (a *HTTPJSONAdapter) Fetch(ctx context.Context, id Identity) (*RawState, error) {
	name := strings.TrimSpace(id.Name)
	if name == "" {
		return nil, ParseFailure(errors.New("character name is required"))
	}

	u := a.baseURL + "/characters/" + url.PathEscape(name)
	if w := strings.TrimSpace(id.World); w != "" {
		u += "?world=" + url.QueryEscape(w)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, ParseFailure(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		// Covers timeouts, DNS and connection failures.
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, NotFound(fmt.Errorf("character %q not found on %s", name, id.Server))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("http status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, ParseFailure(fmt.Errorf("unexpected http status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Transient(err)
	}

	var p profilePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ParseFailure(fmt.Errorf("profile payload parse: %w", err))
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, ParseFailure(errors.New("profile payload missing name"))
	}
	if p.Experience < 0 {
		return nil, ParseFailure(fmt.Errorf("negative experience %d in payload", p.Experience))
	}

	return &RawState{
		Name:       strings.TrimSpace(p.Name),
		Level:      p.Level,
		Vocation:   strings.TrimSpace(p.Vocation),
		Experience: p.Experience,
		Deaths:     p.Deaths,
		Guild:      strings.TrimSpace(p.Guild),
		World:      firstNonBlank(strings.TrimSpace(p.World), id.World),
		Residence:  strings.TrimSpace(p.Residence),
		Online:     p.Online,
		OutfitURL:  strings.TrimSpace(p.OutfitURL),
		ProfileURL: u,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func firstNonBlank(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
