package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/service-verification/internal/models"
)

// HTTPNotifier posts escalated alerts to the dispatch provider endpoint.
type HTTPNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (n *HTTPNotifier) Notify(a models.Alert) error {
	b, err := json.Marshal(map[string]any{"alert": a})
	if err != nil {
		return err
	}
	resp, err := n.Client.Post(n.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Fanout forwards to every notifier, returning the first error after all
// have been attempted.
type Fanout []interface {
	Notify(a models.Alert) error
}

func (f Fanout) Notify(a models.Alert) error {
	var first error
	for _, n := range f {
		if err := n.Notify(a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
