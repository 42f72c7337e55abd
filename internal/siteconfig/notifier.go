package siteconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// ErrReloadChannelClosed 는 broker 연결이 끊겨 delivery 채널이 닫힌 경우.
// Notifier 스스로 재접속하지는 않는다 (supervisor 가 Serve 를 다시 호출할 수는 있음).
var ErrReloadChannelClosed = errors.New("config reload channel closed")

// ChannelOpener 는 공유 AMQP 연결에서 새 channel 을 연다 (queue.Conn 이 구현).
type ChannelOpener interface {
	Channel() (*amqp091.Channel, error)
}

// Notifier
// ------------------------------------------------------------
// 대시보드가 사이트 설정을 바꾸면 fanout exchange 로 빈 메시지를 뿌린다.
// 인스턴스마다 익명(exclusive, auto-delete) queue 를 bind 해서 신호를 받고,
// 짧은 시간에 몰려오는 신호는 window 단위로 묶어 reload 를 한 번만 실행한다.
//
//	signal ─┐
//	signal ─┼─▶ buffer ──(첫 신호 + window 경과)──▶ onReload() 1회
//	signal ─┘
//
// window 는 개별 신호마다 늘어나는 sliding debounce 가 아니라,
// 버퍼링이 시작된 시점부터 고정 길이로 잰다.
type Notifier struct {
	opener   ChannelOpener
	exchange string
	window   time.Duration
	buffer   int

	mu       sync.Mutex
	onReload []func()
}

func NewNotifier(opener ChannelOpener, exchange string, window time.Duration, buffer int) *Notifier {
	if buffer < 1 {
		buffer = 1
	}
	return &Notifier{
		opener:   opener,
		exchange: exchange,
		window:   window,
		buffer:   buffer,
	}
}

// Subscribe 는 reload 콜백을 등록한다. Serve 이전에 호출해야 한다.
func (n *Notifier) Subscribe(onReload func()) {
	n.mu.Lock()
	n.onReload = append(n.onReload, onReload)
	n.mu.Unlock()
}

func (n *Notifier) fire(signals int) {
	n.mu.Lock()
	callbacks := append([]func(){}, n.onReload...)
	n.mu.Unlock()

	log.Info().Int("signals", signals).Msg("config reload signal batch flushed")
	for _, fn := range callbacks {
		fn()
	}
}

// Serve 는 suture.Service 구현. ctx 가 끝나거나 broker 채널이 닫힐 때까지 블록한다.
func (n *Notifier) Serve(ctx context.Context) error {
	ch, err := n.opener.Channel()
	if err != nil {
		return fmt.Errorf("open reload channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := n.bind(ch)
	if err != nil {
		return err
	}

	signals := make(chan struct{}, n.buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		coalesce(ctx, signals, n.window, n.fire)
	}()
	defer func() { <-done }()
	defer close(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-deliveries:
			if !ok {
				log.Warn().Str("exchange", n.exchange).Msg("config reload subscription lost")
				return ErrReloadChannelClosed
			}
			// 버퍼가 가득 차 있으면 이미 reload 가 예약된 상태이므로 버린다.
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}
}

func (n *Notifier) bind(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
	if err := ch.ExchangeDeclare(n.exchange, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare reload exchange: %w", err)
	}
	// 이름 없는 queue → broker 가 이름을 정해준다. 연결이 끊기면 같이 사라진다.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare reload queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", n.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind reload queue: %w", err)
	}
	// 본문은 의미 없는 신호이므로 auto-ack.
	// consumer tag: estat-reload-<uuid>
	tag := "estat-reload-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume reload queue: %w", err)
	}
	log.Info().Str("exchange", n.exchange).Str("queue", q.Name).Str("consumer", tag).Msg("subscribed to config reload signals")
	return deliveries, nil
}

// coalesce
//
// 신호가 버퍼에 처음 들어오는 순간 window 타이머를 건다.
// 타이머가 만료되면 그 사이 쌓인 신호 전체를 한 묶음으로 보고 fire 를 한 번 호출한 뒤
// 버퍼를 비우고 다음 신호를 기다린다.
func coalesce(ctx context.Context, signals <-chan struct{}, window time.Duration, fire func(int)) {
	var (
		timer   *time.Timer
		expired <-chan time.Time
		pending int
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-signals:
			if !ok {
				return
			}
			pending++
			if expired == nil {
				timer = time.NewTimer(window)
				expired = timer.C
			}

		case <-expired:
			expired = nil
			if pending > 0 {
				n := pending
				pending = 0
				fire(n)
			}
		}
	}
}

func (n *Notifier) String() string { return "config-reload-notifier" }
