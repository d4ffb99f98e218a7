// Package telegram adapts the Telegram Bot API (via telebot) to the relay
// delivery interfaces. It implements relay.Sink for outbound content and
// logx.TextSender for the log mirror; reading source feeds is out of the Bot
// API's reach and stays behind relay.Source.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	"relaybot/pkg/logx"
)

type Config struct {
	Token string

	// Offline skips token verification at construction. Used by tests.
	Offline bool
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Error("telegram error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b, log: log.With(logx.String("component", "telegram"))}, nil
}

// Bot exposes the underlying client for surfaces this adapter does not
// cover.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

func (a *Adapter) DeliverItem(ctx context.Context, feed relay.FeedRef, p relay.Payload) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg, err := a.bot.Send(recipient(feed), sendable(p))
	if err != nil {
		return 0, mapErr(err)
	}
	return int64(msg.ID), nil
}

func (a *Adapter) DeliverGroup(ctx context.Context, feed relay.FeedRef, ps []relay.Payload) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	album := make(tele.Album, 0, len(ps))
	for _, p := range ps {
		m, ok := albumMedia(p)
		if !ok {
			// Mixed-in non-groupable kind: deliver the rest one by one.
			return a.deliverEach(ctx, feed, ps)
		}
		album = append(album, m)
	}
	msgs, err := a.bot.SendAlbum(recipient(feed), album)
	if err != nil {
		return nil, mapErr(err)
	}
	ids := make([]int64, len(msgs))
	for i := range msgs {
		ids[i] = int64(msgs[i].ID)
	}
	return ids, nil
}

func (a *Adapter) deliverEach(ctx context.Context, feed relay.FeedRef, ps []relay.Payload) ([]int64, error) {
	ids := make([]int64, 0, len(ps))
	for _, p := range ps {
		id, err := a.DeliverItem(ctx, feed, p)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SendLogText delivers one log line to the configured log chat.
func (a *Adapter) SendLogText(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return mapErr(err)
}

func recipient(f relay.FeedRef) tele.Recipient { return tele.ChatID(f.ID) }

func sendable(p relay.Payload) any {
	if p.Kind == relay.KindText {
		return p.Text
	}
	if m, ok := albumMedia(p); ok {
		return m
	}
	switch p.Kind {
	case relay.KindAnimation:
		return &tele.Animation{File: tele.File{FileID: p.Ref}, Caption: p.Text}
	case relay.KindVoice:
		return &tele.Voice{File: tele.File{FileID: p.Ref}, Caption: p.Text}
	}
	return &tele.Document{File: tele.File{FileID: p.Ref}, Caption: p.Text}
}

// albumMedia maps a payload onto a media-group-capable input.
func albumMedia(p relay.Payload) (tele.Inputtable, bool) {
	file := tele.File{FileID: p.Ref}
	switch p.Kind {
	case relay.KindPhoto:
		return &tele.Photo{File: file, Caption: p.Text}, true
	case relay.KindVideo:
		return &tele.Video{File: file, Caption: p.Text}, true
	case relay.KindDocument:
		return &tele.Document{File: file, Caption: p.Text}, true
	case relay.KindAudio:
		return &tele.Audio{File: file, Caption: p.Text}, true
	}
	return nil, false
}

// mapErr translates telebot errors into the relay taxonomy: flood waits
// become throttles, revoked credentials and lost chat access become fatal,
// everything else stays transient.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return relay.Throttle(time.Duration(flood.RetryAfter) * time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return relay.WrapFatal(err)
		case 400:
			if strings.Contains(strings.ToLower(apiErr.Description), "chat not found") {
				return relay.WrapFatal(err)
			}
		}
	}
	return err
}
