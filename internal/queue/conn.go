// Package queue 는 beacon 작업 큐(RabbitMQ) 연결을 관리한다.
package queue

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"estat-pipeline/internal/config"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Conn
// ------------------------------------------------------------
// 프로세스 수명 동안 유지되는 AMQP 연결 1개 + 작업 큐용 channel 1개.
//
//   - 시작 시 Dial 에서 연결/선언까지 끝낸다 (실패 = 기동 실패)
//   - Fetch 는 basic.get (non-blocking, manual ack)
//   - 설정 reload 구독 등 부가 용도는 Channel() 로 별도 channel 을 연다
type Conn struct {
	conn  *amqp091.Connection
	ch    *amqp091.Channel
	queue string

	closeOnce sync.Once
	closeErr  error
}

// Dial 은 연결 후 작업 큐를 durable 로 선언한다 (이미 있으면 그대로 사용).
func Dial(cfg config.QueueConfig, connectionName string) (*Conn, error) {
	dialCfg := amqp091.Config{
		Heartbeat:  cfg.Heartbeat,
		Properties: amqp091.NewConnectionProperties(),
	}
	dialCfg.Properties.SetClientConnectionName(connectionName)

	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg

	conn, err := amqp091.DialConfig(cfg.URL, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, queueArgs(cfg.Type)); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	log.Info().Str("queue", cfg.Queue).Str("type", cfg.Type).Msg("connected to rabbitmq")
	return &Conn{conn: conn, ch: ch, queue: cfg.Queue}, nil
}

// queueArgs 는 queue 종류별 선언 인자. 이미 있는 queue 와 종류가 다르면 선언이 거부된다.
func queueArgs(queueType string) amqp091.Table {
	if queueType == config.QueueQuorum {
		return amqp091.Table{"x-queue-type": config.QueueQuorum}
	}
	return nil
}

// Fetch 는 메시지 1건을 가져온다. 큐가 비어 있으면 ok=false.
// 받은 Delivery 는 반드시 Ack 또는 Nack 해야 한다.
func (c *Conn) Fetch() (amqp091.Delivery, bool, error) {
	d, ok, err := c.ch.Get(c.queue, false)
	if err != nil {
		return amqp091.Delivery{}, false, fmt.Errorf("basic.get %s: %w", c.queue, err)
	}
	return d, ok, nil
}

// Channel 은 같은 연결 위에 새 channel 을 연다 (siteconfig.Notifier 용).
func (c *Conn) Channel() (*amqp091.Channel, error) {
	return c.conn.Channel()
}

// IsClosed 는 연결 또는 작업 channel 이 닫혔으면 true.
// channel 단위 예외(queue 삭제 등)로 channel 만 닫혀도 Fetch 는 더 이상 성공하지 않는다.
func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed() || c.ch.IsClosed()
}

// Close 는 channel → connection 순서로 닫는다. 여러 번 호출해도 안전하다.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
