package clash

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tg-clanwatch-bot/internal/domain"
	"tg-clanwatch-bot/internal/infra/metrics"
)

const errorBodyLimit = 200

// Config задаёт параметры подключения к Clash of Clans API.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client — тонкий HTTP клиент API. Один запрос на вызов: без ретраев,
// без кэширования, без rate-limit логики.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ domain.ClashAPI = (*Client)(nil)

// NewClient создаёт клиент.
func NewClient(cfg Config) *Client {
	client := &Client{cfg: cfg}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.httpClient = &http.Client{Timeout: timeout}
	if cfg.BaseURL == "" {
		client.cfg.BaseURL = "https://api.clashofclans.com/v1"
	}
	return client
}

// SetHTTPClient подменяет транспорт (для тестов).
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

// EncodeTag возвращает нормализованный тег в виде сегмента пути.
func EncodeTag(tag string) string {
	return url.PathEscape(domain.NormalizeTag(tag))
}

func (c *Client) get(ctx context.Context, operation, path string, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("построение запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("clash", operation, "api", start, err)
		return &domain.APIError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()
	metrics.ObserveStatusCode("clash", operation, "api", start, resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.APIError{Status: resp.StatusCode, Message: fmt.Sprintf("разбор ответа: %v", err)}
		}
		return nil
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &domain.APIError{Status: resp.StatusCode, Message: string(body)}
	}
}

// CurrentWar возвращает текущую войну клана.
func (c *Client) CurrentWar(ctx context.Context, clanTag string) (*domain.CurrentWar, error) {
	var war domain.CurrentWar
	if err := c.get(ctx, "current_war", "/clans/"+EncodeTag(clanTag)+"/currentwar", &war); err != nil {
		return nil, err
	}
	return &war, nil
}

// Player возвращает профиль игрока.
func (c *Client) Player(ctx context.Context, playerTag string) (*domain.Player, error) {
	var player domain.Player
	if err := c.get(ctx, "player", "/players/"+EncodeTag(playerTag), &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// RaidSeasons возвращает сезоны рейдов столицы, новые первыми.
func (c *Client) RaidSeasons(ctx context.Context, clanTag string) ([]domain.RaidSeason, error) {
	var payload struct {
		Items []domain.RaidSeason `json:"items"`
	}
	if err := c.get(ctx, "raid_seasons", "/clans/"+EncodeTag(clanTag)+"/capitalraidseasons", &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}
