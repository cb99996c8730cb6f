package torrent

import (
	"github.com/quietbit/peerengine/internal/langx"
)

// ManagerConfig carries the manager-wide collaborators and loggers, set
// with functional options the way the teacher's ClientConfig is, via the
// Option values passed to NewManager.
type ManagerConfig struct {
	Handshake HandshakeCollaborator
	Blocklist Blocklist
	Debug     logging
	Info      logging
	Warn      logging

	MaxOutboundPerTick int

	// MaxDownloadBytesPerSec caps the aggregate download rate every torrent
	// this manager runs clamps its per-peer request pipeline against, 0
	// meaning unlimited.
	MaxDownloadBytesPerSec int64
}

func (c *ManagerConfig) debug() logging {
	return langx.FirstNonNil(c.Debug, logging(LogDiscard()))
}

func (c *ManagerConfig) info() logging {
	return langx.FirstNonNil(c.Info, logging(LogDiscard()))
}

func (c *ManagerConfig) warn() logging {
	return langx.FirstNonNil(c.Warn, logging(LogDiscard()))
}

// Option mutates a Manager's configuration at construction time; NewManager
// applies each one in order.
type Option func(*Manager)

func OptionHandshake(h HandshakeCollaborator) Option {
	return func(m *Manager) { m.config.Handshake = h }
}

func OptionBlocklist(b Blocklist) Option {
	return func(m *Manager) { m.config.Blocklist = b }
}

func OptionDebugLog(l logging) Option {
	return func(m *Manager) { m.config.Debug = l }
}

func OptionInfoLog(l logging) Option {
	return func(m *Manager) { m.config.Info = l }
}

func OptionWarnLog(l logging) Option {
	return func(m *Manager) { m.config.Warn = l }
}

func OptionMaxOutboundPerTick(n int) Option {
	return func(m *Manager) { m.config.MaxOutboundPerTick = n }
}

// TorrentOption mutates a TorrentState at registration time; AddTorrent
// applies each one in order.
type TorrentOption func(*TorrentState)

func TorrentOptionWebseed(url string) TorrentOption {
	return func(t *TorrentState) { t.AddWebseed(url) }
}

func TorrentOptionMaxPeers(n int) TorrentOption {
	return func(t *TorrentState) { t.maxPeers = n }
}

// TorrentOptionMaxDownloadRate caps this torrent's own download rate,
// bytes/sec, 0 meaning unlimited.
func TorrentOptionMaxDownloadRate(bytesPerSec int64) TorrentOption {
	return func(t *TorrentState) { t.downloadLimit = bytesPerSec }
}
