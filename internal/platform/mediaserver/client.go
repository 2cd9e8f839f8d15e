package mediaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"medialink-bot-backend/internal/common/logger"
)

// Account is one account as reported by the media server.
type Account struct {
	ID     string  `json:"Id"`
	Name   string  `json:"Name"`
	Policy *Policy `json:"Policy,omitempty"`
}

// Policy is the server-side permission record attached to an account.
// Only the fields the bot reads are mapped here; SetEnabled round-trips
// the raw policy document instead so unrelated fields survive.
type Policy struct {
	IsAdministrator bool `json:"IsAdministrator"`
	IsDisabled      bool `json:"IsDisabled"`
}

// ItemCount is one entry of a top-items listing.
type ItemCount struct {
	Name      string
	PlayCount int
}

// Client talks to an Emby-compatible media server over its REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// FetchAccounts returns every account on the server.
func (c *Client) FetchAccounts(ctx context.Context) ([]Account, error) {
	resp, err := c.do(ctx, http.MethodGet, "/Users", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch accounts: status %d", resp.StatusCode)
	}

	var accounts []Account
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// CreateAccount creates a new account with the given credentials.
func (c *Client) CreateAccount(ctx context.Context, username, password string) error {
	resp, err := c.do(ctx, http.MethodPost, "/Users/New", nil, map[string]string{
		"Name":     username,
		"Password": password,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create account %q: status %d", username, resp.StatusCode)
	}
	logger.Info().Str("username", username).Msg("Media account created")
	return nil
}

// AccountID resolves a username (case-insensitive) to the server-assigned
// account id. Returns "" when no such account exists.
func (c *Client) AccountID(ctx context.Context, username string) (string, error) {
	accounts, err := c.FetchAccounts(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if strings.EqualFold(a.Name, username) {
			return a.ID, nil
		}
	}
	return "", nil
}

// UsernameAvailable reports whether no account currently uses the username.
func (c *Client) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	id, err := c.AccountID(ctx, username)
	if err != nil {
		return false, err
	}
	return id == "", nil
}

// SetEnabled flips the account's disabled flag. The full policy record is
// fetched first so unrelated policy fields survive the round trip.
func (c *Client) SetEnabled(ctx context.Context, username string, enabled bool) error {
	id, err := c.AccountID(ctx, username)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("set enabled: account %q not found", username)
	}

	resp, err := c.do(ctx, http.MethodGet, "/Users/"+id, nil, nil)
	if err != nil {
		return err
	}
	var account struct {
		Policy map[string]interface{} `json:"Policy"`
	}
	err = json.NewDecoder(resp.Body).Decode(&account)
	resp.Body.Close()
	if err != nil {
		return err
	}
	if account.Policy == nil {
		account.Policy = map[string]interface{}{}
	}
	account.Policy["IsDisabled"] = !enabled

	resp, err = c.do(ctx, http.MethodPost, "/Users/"+id+"/Policy", nil, account.Policy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("set enabled for %q: status %d", username, resp.StatusCode)
	}
	logger.Info().Str("username", username).Bool("enabled", enabled).Msg("Media account access updated")
	return nil
}

// ResetPassword replaces the account password.
func (c *Client) ResetPassword(ctx context.Context, username, newPassword string) error {
	id, err := c.AccountID(ctx, username)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("reset password: account %q not found", username)
	}

	resp, err := c.do(ctx, http.MethodPost, "/Users/"+id+"/Password", nil, map[string]string{
		"NewPw": newPassword,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("reset password for %q: status %d", username, resp.StatusCode)
	}
	return nil
}

// DeleteAccount removes the account from the server.
func (c *Client) DeleteAccount(ctx context.Context, id, username string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/Users/"+id, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete account %q: status %d", username, resp.StatusCode)
	}
	logger.Info().Str("username", username).Msg("Media account deleted")
	return nil
}

// TopItems returns the most-played items of a type, optionally scoped to
// one account.
func (c *Client) TopItems(ctx context.Context, itemType, accountID string, limit int) ([]ItemCount, error) {
	query := url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {itemType},
		"SortBy":           {"PlayCount"},
		"SortOrder":        {"Descending"},
		"Limit":            {fmt.Sprint(limit)},
		"Fields":           {"PlayCount"},
	}
	if accountID != "" {
		query.Set("UserId", accountID)
	}

	resp, err := c.do(ctx, http.MethodGet, "/Items", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("top items: status %d", resp.StatusCode)
	}

	var result struct {
		Items []struct {
			Name     string `json:"Name"`
			UserData struct {
				PlayCount int `json:"PlayCount"`
			} `json:"UserData"`
		} `json:"Items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	items := make([]ItemCount, 0, len(result.Items))
	for _, it := range result.Items {
		items = append(items, ItemCount{Name: it.Name, PlayCount: it.UserData.PlayCount})
	}
	return items, nil
}

// PlayedRuntimeTicks sums the runtime ticks of everything the account has
// played. One tick is 100ns.
func (c *Client) PlayedRuntimeTicks(ctx context.Context, accountID string) (int64, error) {
	query := url.Values{
		"Recursive":        {"true"},
		"Filters":          {"IsPlayed"},
		"IncludeItemTypes": {"Movie,Episode"},
		"Fields":           {"RunTimeTicks"},
		"Limit":            {"500"},
		"UserId":           {accountID},
	}

	resp, err := c.do(ctx, http.MethodGet, "/Items", query, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("played runtime: status %d", resp.StatusCode)
	}

	var result struct {
		Items []struct {
			RunTimeTicks int64 `json:"RunTimeTicks"`
		} `json:"Items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}

	var total int64
	for _, it := range result.Items {
		total += it.RunTimeTicks
	}
	return total, nil
}
