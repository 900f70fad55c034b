package kernel

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/baechuer/productbazar-client/internal/logger"
)

// HeadlessNavigator tracks the current route for a client without a screen.
type HeadlessNavigator struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

func NewHeadlessNavigator() *HeadlessNavigator {
	return &HeadlessNavigator{path: "/", log: logger.Component("navigator")}
}

func (n *HeadlessNavigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *HeadlessNavigator) Navigate(path string) {
	n.mu.Lock()
	from := n.path
	n.path = path
	n.mu.Unlock()
	n.log.Info().Str("from", from).Str("to", path).Msg("navigate")
}
