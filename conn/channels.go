package conn

import "netrep/channel"

// Fixed channel kinds every Manager registers, per spec.md's component
// wiring: Actions/Updates carry replication, Ping carries clock sync,
// Input carries redundant client input, Message is a catch-all reliable
// channel for host-level messages sent via SendMessage.
const (
	ChannelActions channel.Kind = iota
	ChannelUpdates
	ChannelPing
	ChannelInput
	ChannelMessage
)

func registerCoreChannels(m *channel.Manager) {
	m.RegisterChannel(channel.Spec{ID: ChannelActions, Mode: channel.ReliableOrdered})
	m.RegisterChannel(channel.Spec{ID: ChannelUpdates, Mode: channel.UnreliableOrdered})
	m.RegisterChannel(channel.Spec{ID: ChannelPing, Mode: channel.UnreliableUnordered})
	m.RegisterChannel(channel.Spec{ID: ChannelInput, Mode: channel.Sequenced})
	m.RegisterChannel(channel.Spec{ID: ChannelMessage, Mode: channel.ReliableOrdered})
}
