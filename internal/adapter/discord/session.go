package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"
)

// gatewaySession is the part of a discordgo session the adapter drives.
type gatewaySession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	Messages(channelID string, limit int) ([]*discordgo.Message, error)
	Channels() ([]*discordgo.Channel, error)
}

type liveSession struct {
	*discordgo.Session
}

func newLiveSession(token string) (gatewaySession, error) {
	s, err := discordgo.New(normalizeBotToken(token))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.ShouldReconnectOnError = false
	return liveSession{Session: s}, nil
}

func (s liveSession) Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return s.ChannelMessageSendComplex(channelID, data)
}

func (s liveSession) Messages(channelID string, limit int) ([]*discordgo.Message, error) {
	return s.ChannelMessages(channelID, limit, "", "", "")
}

// Channels lists the text channels and DMs cached in the gateway state.
func (s liveSession) Channels() ([]*discordgo.Channel, error) {
	state := s.State
	if state == nil {
		return nil, nil
	}
	state.RLock()
	defer state.RUnlock()

	var out []*discordgo.Channel
	for _, guild := range state.Guilds {
		for _, channel := range guild.Channels {
			if channel.Type == discordgo.ChannelTypeGuildText {
				out = append(out, channel)
			}
		}
	}
	out = append(out, state.PrivateChannels...)
	return out, nil
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
