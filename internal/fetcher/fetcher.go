// Package fetcher — фоновый воркер поллинга списка уведомлений. Живёт в
// отдельной горутине, чтобы сетевые задержки не трогали основной поток окна;
// с хостом общается только сообщениями. Сбои внутри воркера никогда не
// пересекают границу горутины паникой — они конвертируются в Message.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/notisync/internal/detector"
	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/model"
)

// Kind — дискриминатор сообщения воркера. Обрабатывается исчерпывающим switch
// на стороне хоста.
type Kind string

const (
	KindNotifications Kind = "notifications" // полный снапшот
	KindNewMessage    Kind = "new_message"   // подсказка "у id есть непросмотренное" (не истина состояния)
	KindError         Kind = "error"         // transient-сбой, цикл продолжается
	KindAuthError     Kind = "auth_error"    // 401/403 — хост форсирует логаут, ретраев нет
	KindReady         Kind = "ready"         // конфигурация принята
	KindPong          Kind = "pong"          // ответ на Ping
)

// Message — единица обмена воркер -> хост.
type Message struct {
	Kind           Kind
	Snapshot       []model.Notification
	NotificationID int64
	Err            string
	// HighPriority помечает снапшот форсированного reload: хост пробивает им
	// окно троттлинга применения.
	HighPriority bool
}

// Config — тайминги воркера.
type Config struct {
	PollInterval   time.Duration // период штатного tick, по умолчанию 10s
	ReloadThrottle time.Duration // окно для обычных reload, по умолчанию 3s
	HTTPTimeout    time.Duration
}

type cmdKind int

const (
	cmdInit cmdKind = iota
	cmdReload
	cmdFetchOne
	cmdPing
)

type command struct {
	kind       cmdKind
	token      string
	baseURL    string
	windowID   string
	standalone bool
	high       bool
	id         int64
}

// Worker держит команды и исходящие сообщения в каналах; Reload и Stop —
// fire-and-forget сигналы внутрь.
type Worker struct {
	cfg      Config
	client   *http.Client
	cmds     chan command
	out      chan Message
	stop     chan struct{}
	stopOnce sync.Once
	throttle *detector.Throttle

	// Состояние цикла, трогается только горутиной Run.
	token      string
	baseURL    string
	windowID   string
	standalone bool
	authFailed bool
	last       []model.Notification
}

func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ReloadThrottle <= 0 {
		cfg.ReloadThrottle = 3 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	return &Worker{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		cmds:     make(chan command, 16),
		out:      make(chan Message, 64),
		stop:     make(chan struct{}),
		throttle: detector.NewThrottle(cfg.ReloadThrottle),
	}
}

// Messages — канал сообщений воркера.
func (w *Worker) Messages() <-chan Message {
	return w.out
}

// Init задаёт (или заменяет — идемпотентно) креденшл и цель поллинга.
func (w *Worker) Init(token, baseURL, windowID string, standalone bool) {
	w.send(command{kind: cmdInit, token: token, baseURL: baseURL, windowID: windowID, standalone: standalone})
}

// Reload просит внеочередной fetch. high пробивает окно троттлинга; обычный
// reload внутри окна — no-op.
func (w *Worker) Reload(token, baseURL string, high bool) {
	w.send(command{kind: cmdReload, token: token, baseURL: baseURL, high: high})
}

// FetchOne подтягивает одно уведомление и вливает его в снапшот.
func (w *Worker) FetchOne(id int64) {
	w.send(command{kind: cmdFetchOne, id: id})
}

// Ping — проверка живости воркера, ответ придёт сообщением pong.
func (w *Worker) Ping() {
	w.send(command{kind: cmdPing})
}

// Stop останавливает цикл. Идемпотентен и безопасен, если цикл не запущен.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) send(cmd command) {
	select {
	case w.cmds <- cmd:
	case <-w.stop:
	}
}

func (w *Worker) emit(msg Message) {
	select {
	case w.out <- msg:
	default:
		// Хост не разгребает сообщения — роняем, поллинг не ждёт.
		logger.Errorf("fetcher: out buffer full, dropping %s", msg.Kind)
	}
}

// Run — цикл воркера. Блокирует; запускается в отдельной горутине.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case cmd := <-w.cmds:
			w.handle(ctx, cmd)
		case <-ticker.C:
			if w.configured() && !w.authFailed {
				w.throttle.Allow(true) // tick двигает окно троттлинга reload-ов
				w.fetchList(ctx, false)
			}
		}
	}
}

func (w *Worker) configured() bool {
	return w.token != "" && w.baseURL != ""
}

func (w *Worker) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdInit:
		w.token = cmd.token
		w.baseURL = strings.TrimSuffix(cmd.baseURL, "/")
		w.windowID = cmd.windowID
		w.standalone = cmd.standalone
		w.authFailed = false
		w.emit(Message{Kind: KindReady})
	case cmdReload:
		if cmd.token != "" {
			w.token = cmd.token
		}
		if cmd.baseURL != "" {
			w.baseURL = strings.TrimSuffix(cmd.baseURL, "/")
		}
		if !w.configured() {
			return
		}
		if !w.throttle.Allow(cmd.high) {
			return
		}
		w.authFailed = false
		w.fetchList(ctx, cmd.high)
	case cmdFetchOne:
		if w.configured() && !w.authFailed {
			w.fetchOne(ctx, cmd.id)
		}
	case cmdPing:
		w.emit(Message{Kind: KindPong})
	}
}

func (w *Worker) get(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

var errAuth = fmt.Errorf("authentication rejected")

func (w *Worker) fetchList(ctx context.Context, high bool) {
	var snapshot []model.Notification
	if err := w.get(ctx, w.baseURL+"/api/notifications", &snapshot); err != nil {
		w.report(err)
		return
	}
	prev := w.last
	w.last = snapshot
	// Сначала снапшот, потом подсказки: хост должен уже видеть данные,
	// на которые ссылаются new_message.
	w.emit(Message{Kind: KindNotifications, Snapshot: snapshot, HighPriority: high})
	w.hintNewMessages(prev, snapshot)
}

func (w *Worker) fetchOne(ctx context.Context, id int64) {
	var n model.Notification
	if err := w.get(ctx, fmt.Sprintf("%s/api/notifications/%d", w.baseURL, id), &n); err != nil {
		w.report(err)
		return
	}
	merged := make([]model.Notification, 0, len(w.last)+1)
	replaced := false
	for i := range w.last {
		if w.last[i].NotificationID == id {
			merged = append(merged, n)
			replaced = true
		} else {
			merged = append(merged, w.last[i])
		}
	}
	if !replaced {
		merged = append(merged, n)
	}
	prev := w.last
	w.last = merged
	w.emit(Message{Kind: KindNotifications, Snapshot: merged})
	w.hintNewMessages(prev, merged)
}

// hintNewMessages шлёт подсказки о непросмотренном контенте: рост числа
// сообщений у известного id либо новый непрочитанный тред с сообщениями.
// Решение "показывать ли системное уведомление" принимает хост по своему
// dedup-кешу; здесь только сырой сигнал.
func (w *Worker) hintNewMessages(previous, incoming []model.Notification) {
	if previous == nil {
		return // первый fetch окна — вся история "новая", не шумим
	}
	prev := make(map[int64]int, len(previous))
	for i := range previous {
		prev[previous[i].NotificationID] = previous[i].MessageCount()
	}
	for i := range incoming {
		n := &incoming[i]
		cnt, known := prev[n.NotificationID]
		if (known && n.MessageCount() > cnt) ||
			(!known && !n.IsReadByUser && n.MessageCount() > 0) {
			w.emit(Message{Kind: KindNewMessage, NotificationID: n.NotificationID})
		}
	}
}

func (w *Worker) report(err error) {
	if err == errAuth {
		w.authFailed = true
		w.emit(Message{Kind: KindAuthError, Err: err.Error()})
		return
	}
	// Transient: однократный error-месседж, цикл живёт до следующего tick.
	w.emit(Message{Kind: KindError, Err: err.Error()})
}
