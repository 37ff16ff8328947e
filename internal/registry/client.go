// Package registry implements the oracle.Registry contract against the
// upstream agent registry's HTTP API: a paginated leaderboard of miners
// and an endpoint to fetch a miner's agent source code by version.
//
// The registry's full API (pagination, version listings, uploads) is not
// reimplemented here; only the narrow surface the Orchestrator needs.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

const (
	maxRetries        = 3
	leaderboardLimit  = 250
	agentsLimit       = 500
)

var backoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// APIError is returned when a request fails after retries are exhausted.
type APIError struct {
	Msg string
}

func (e *APIError) Error() string { return e.Msg }

// LeaderboardEntry is one miner's standing.
type LeaderboardEntry struct {
	MinerUID       int     `json:"miner_uid"`
	MinerHotkey    string  `json:"miner_hotkey"`
	Weight         float64 `json:"weight"`
	EventsScored   int     `json:"events_scored"`
	AvgBrier       float64 `json:"avg_brier"`
	Accuracy       float64 `json:"accuracy"`
	PredictionBias float64 `json:"prediction_bias"`
	LogLoss        float64 `json:"log_loss"`
}

// MinerAgentEntry is one version of a miner's agent.
type MinerAgentEntry struct {
	VersionID     uuid.UUID  `json:"version_id"`
	AgentName     string     `json:"agent_name"`
	VersionNumber int        `json:"version_number"`
	CreatedAt     time.Time  `json:"created_at"`
	ActivatedAt   *time.Time `json:"activated_at"`
}

type listResponse[T any] struct {
	Results []T `json:"results"`
	Limit   int `json:"limit"`
	Offset  int `json:"offset"`
}

// Client is an oracle.Registry implementation backed by the upstream
// registry's HTTP API, with retry-on-5xx/network-error, no-retry-on-4xx,
// and a same-day cache that expires at the next 23:00 UTC boundary,
// mirroring the upstream collector's own cache policy.
type Client struct {
	baseURL    string
	httpClient *http.Client

	leaderboard *otter.Cache[string, []LeaderboardEntry]
	agents      *otter.Cache[agentsCacheKey, []MinerAgentEntry]
	unavailable *otter.Cache[codeCacheKey, struct{}]
}

type agentsCacheKey struct {
	uid    int
	hotkey string
}

type codeCacheKey struct {
	uid       int
	hotkey    string
	versionID uuid.UUID
}

// expiryToNext11PMUTC returns the duration from now until the next 23:00
// UTC boundary, matching the upstream collector's cache-invalidation rule.
func expiryToNext11PMUTC(now time.Time) time.Duration {
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), 23, 0, 0, 0, time.UTC)
	if !now.Before(boundary) {
		boundary = boundary.Add(24 * time.Hour)
	}
	return boundary.Sub(now)
}

type dailyExpiry[K comparable, V any] struct{}

func (dailyExpiry[K, V]) ExpireAfterCreate(e otter.Entry[K, V]) time.Duration {
	return expiryToNext11PMUTC(time.Now())
}

func (dailyExpiry[K, V]) ExpireAfterUpdate(e otter.Entry[K, V]) time.Duration {
	return expiryToNext11PMUTC(time.Now())
}

func (dailyExpiry[K, V]) ExpireAfterRead(e otter.Entry[K, V]) time.Duration {
	return e.ExpiresAfter
}

// New returns a Client targeting baseURL (e.g. "https://api.example.com").
func New(baseURL string) (*Client, error) {
	leaderboard, err := otter.New(&otter.Options[string, []LeaderboardEntry]{
		MaximumSize:      1,
		ExpiryCalculator: otter.ExpiryCalculator[string, []LeaderboardEntry](dailyExpiry[string, []LeaderboardEntry]{}),
	})
	if err != nil {
		return nil, fmt.Errorf("create leaderboard cache: %w", err)
	}
	agents, err := otter.New(&otter.Options[agentsCacheKey, []MinerAgentEntry]{
		MaximumSize:      10_000,
		ExpiryCalculator: otter.ExpiryCalculator[agentsCacheKey, []MinerAgentEntry](dailyExpiry[agentsCacheKey, []MinerAgentEntry]{}),
	})
	if err != nil {
		return nil, fmt.Errorf("create agents cache: %w", err)
	}
	unavailable, err := otter.New(&otter.Options[codeCacheKey, struct{}]{
		MaximumSize:      10_000,
		ExpiryCalculator: otter.ExpiryCalculator[codeCacheKey, struct{}](dailyExpiry[codeCacheKey, struct{}]{}),
	})
	if err != nil {
		return nil, fmt.Errorf("create unavailable-code cache: %w", err)
	}

	return &Client{
		baseURL:     trimTrailingSlash(baseURL),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		leaderboard: leaderboard,
		agents:      agents,
		unavailable: unavailable,
	}, nil
}

// WithHTTPClient overrides the underlying HTTP client, used in tests to
// point at an httptest.Server.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// do issues an HTTP request with retry on network error and 5xx, and no
// retry on 4xx, mirroring the upstream client's backoff schedule.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	url := c.baseURL + path
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				if !sleepOrDone(ctx, backoff[attempt]) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, &APIError{Msg: fmt.Sprintf("request failed after %d retries: %v", maxRetries, err)}
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt < maxRetries {
				if !sleepOrDone(ctx, backoff[attempt]) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, &APIError{Msg: fmt.Sprintf("server error %d after %d retries", resp.StatusCode, maxRetries)}
		}

		return resp, nil
	}

	return nil, &APIError{Msg: fmt.Sprintf("unexpected retry loop exit: %v", lastErr)}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) fetchLeaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/leaderboard?limit=%d", leaderboardLimit))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed listResponse[LeaderboardEntry]
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode leaderboard: %w", err)
	}
	return parsed.Results, nil
}

func (c *Client) leaderboardCached(ctx context.Context) ([]LeaderboardEntry, error) {
	return c.leaderboard.Get(ctx, "leaderboard", otter.LoaderFunc[string, []LeaderboardEntry](
		func(ctx context.Context, _ string) ([]LeaderboardEntry, error) {
			return c.fetchLeaderboard(ctx)
		}))
}

// MinerByRank returns the (uid, hotkey) of the rank-th miner (0-indexed).
func (c *Client) MinerByRank(ctx context.Context, rank int) (int, string, error) {
	board, err := c.leaderboardCached(ctx)
	if err != nil {
		return 0, "", err
	}
	if rank < 0 || rank >= len(board) {
		return 0, "", oracle.ErrNoMinersRanked
	}
	return board[rank].MinerUID, board[rank].MinerHotkey, nil
}

// MinerByUID looks up a miner's hotkey by UID.
func (c *Client) MinerByUID(ctx context.Context, uid int) (string, bool, error) {
	board, err := c.leaderboardCached(ctx)
	if err != nil {
		return "", false, err
	}
	for _, e := range board {
		if e.MinerUID == uid {
			return e.MinerHotkey, true, nil
		}
	}
	return "", false, nil
}

// RankByUID returns a miner's 0-indexed leaderboard rank.
func (c *Client) RankByUID(ctx context.Context, uid int) (int, bool, error) {
	board, err := c.leaderboardCached(ctx)
	if err != nil {
		return 0, false, err
	}
	for i, e := range board {
		if e.MinerUID == uid {
			return i, true, nil
		}
	}
	return 0, false, nil
}

func (c *Client) fetchMinerAgents(ctx context.Context, uid int, hotkey string) ([]MinerAgentEntry, error) {
	path := fmt.Sprintf("/v1/miners/%d/%s/agents?limit=%d", uid, hotkey, agentsLimit)
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed listResponse[MinerAgentEntry]
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode miner agents: %w", err)
	}

	visible := make([]MinerAgentEntry, 0, len(parsed.Results))
	for _, a := range parsed.Results {
		if a.ActivatedAt != nil {
			visible = append(visible, a)
		}
	}
	sortByVersionDesc(visible)
	return visible, nil
}

func sortByVersionDesc(agents []MinerAgentEntry) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && agents[j].VersionNumber > agents[j-1].VersionNumber; j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}

func (c *Client) minerAgentsCached(ctx context.Context, uid int, hotkey string) ([]MinerAgentEntry, error) {
	key := agentsCacheKey{uid: uid, hotkey: hotkey}
	return c.agents.Get(ctx, key, otter.LoaderFunc[agentsCacheKey, []MinerAgentEntry](
		func(ctx context.Context, k agentsCacheKey) ([]MinerAgentEntry, error) {
			return c.fetchMinerAgents(ctx, k.uid, k.hotkey)
		}))
}

func (c *Client) fetchAgentCode(ctx context.Context, uid int, hotkey string, versionID uuid.UUID) (string, error) {
	path := fmt.Sprintf("/v1/miners/%d/%s/agents/%s/code", uid, hotkey, versionID)
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// AgentCode fetches a miner's current agent source, trying the most
// recently activated version first and falling back to older versions
// when the most recent one has no code available. A ("", "") result
// with a nil error means no miner agent has code available.
func (c *Client) AgentCode(ctx context.Context, uid int, hotkey string) (string, string, error) {
	agents, err := c.minerAgentsCached(ctx, uid, hotkey)
	if err != nil {
		return "", "", err
	}

	for _, agent := range agents {
		key := codeCacheKey{uid: uid, hotkey: hotkey, versionID: agent.VersionID}
		if _, known := c.unavailable.GetIfPresent(key); known {
			continue
		}

		code, err := c.fetchAgentCode(ctx, uid, hotkey, agent.VersionID)
		if err != nil {
			return "", "", err
		}
		if code == "" {
			c.unavailable.Set(key, struct{}{})
			continue
		}
		return agent.VersionID.String(), code, nil
	}

	return "", "", nil
}

var _ oracle.Registry = (*Client)(nil)
