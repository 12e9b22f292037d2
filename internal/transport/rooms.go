package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BioHazard786/warpmeet/internal/protocol"
)

// FetchRoom asks the signaling server at baseURL (http or https) who is in
// roomID.
func FetchRoom(ctx context.Context, baseURL, roomID string) (*protocol.RoomInfo, error) {
	endpoint := fmt.Sprintf("%s/rooms/%s", baseURL, url.PathEscape(roomID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: %s", endpoint, resp.Status)
	}

	var info protocol.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode room info: %w", err)
	}
	return &info, nil
}
