package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// Resolver produces the websocket URL to connect to. It runs on every
// connect and reconnect.
type Resolver func(ctx context.Context) (string, error)

var (
	schemePrefix  = regexp.MustCompile(`^(wss?|https?)://`)
	localEndpoint = regexp.MustCompile(`^(https?|wss?)://(localhost|127\.0\.0\.1|\[::1\])`)
	roomNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	hexRoomID     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

const maxRoomName = 32

// RoomResolver asks the room host at endpoint for a fresh room and returns
// the websocket URL of that room.
func RoomResolver(endpoint string, httpClient *http.Client) Resolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, PreferHTTPS(endpoint)+"/api/room", nil)
		if err != nil {
			return "", err
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrRoomUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("%w: status %d", ErrRoomUnavailable, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrRoomUnavailable, err)
		}

		return roomURL(endpoint, strings.TrimSpace(string(body)))
	}
}

// NamedRoomResolver joins the room called name on the host at endpoint.
func NamedRoomResolver(endpoint, name string) Resolver {
	return func(ctx context.Context) (string, error) {
		return roomURL(endpoint, name)
	}
}

func roomURL(endpoint, name string) (string, error) {
	normalized, err := NormalizeRoomName(name)
	if err != nil {
		return "", err
	}
	return PreferWSS(endpoint) + "/api/room/" + normalized + "/websocket", nil
}

// NormalizeRoomName strips characters outside [a-zA-Z0-9_-], turns
// underscores into dashes and lowercases the rest. Names longer than 32
// characters are rejected unless they are a 64-digit hex room id.
func NormalizeRoomName(name string) (string, error) {
	normalized := roomNameChars.ReplaceAllString(name, "")
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ToLower(normalized)

	if len(normalized) > maxRoomName && !hexRoomID.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrRoomNameTooLong, name)
	}
	if normalized == "" {
		return "", ErrEmptyRoomName
	}
	return normalized, nil
}

// PreferHTTPS rewrites u to https, or http for local endpoints.
func PreferHTTPS(u string) string {
	if localEndpoint.MatchString(u) {
		return "http://" + stripScheme(u)
	}
	return "https://" + stripScheme(u)
}

// PreferWSS rewrites u to wss, or ws for local endpoints.
func PreferWSS(u string) string {
	if localEndpoint.MatchString(u) {
		return "ws://" + stripScheme(u)
	}
	return "wss://" + stripScheme(u)
}

func stripScheme(u string) string {
	return strings.TrimRight(schemePrefix.ReplaceAllString(u, ""), "/")
}
