// Package agent собирает протокол воедино: идентичность окна, election,
// воркер поллинга, детектор изменений, кросс-оконную синхронизацию и реестр
// standalone-чатов. Никаких глобалов — контекст координации конструируется
// корнем приложения и владеет всем явно, поэтому протокол тестируется на
// in-memory хранилище без браузера и без Redis.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notisync/internal/detector"
	"github.com/notisync/internal/election"
	"github.com/notisync/internal/fetcher"
	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/push"
	"github.com/notisync/internal/registry"
	"github.com/notisync/internal/state"
	"github.com/notisync/internal/store"
	"github.com/notisync/internal/syncer"
)

// Config — настройки одного окна. Все тайминги протокола конфигурируемы:
// дефолты подобраны эмпирически и не проверялись под сильным перекосом часов.
type Config struct {
	Token      string // opaque bearer, содержимое не разбирается
	APIBaseURL string
	UserID     string

	WindowID string // пустой => генерируется на время жизни окна

	// Standalone-окно одного чата: поллинг не запускается, пока виден
	// heartbeat мастера; самодостаточность включается после StandaloneGrace
	// тишины.
	Standalone       bool
	StandaloneChatID int64
	StandaloneGrace  time.Duration // 10s

	Election         election.Config
	Fetcher          fetcher.Config
	ApplyThrottle    time.Duration // 3s — окно применения обнаруженных изменений
	SweepInterval    time.Duration // 30s — liveness sweep реестра
	SignalClearAfter time.Duration // очистка сигнального ключа
	Detector         detector.Policy
}

func (c *Config) fillDefaults() {
	if c.WindowID == "" {
		c.WindowID = uuid.New().String()
	}
	if c.StandaloneGrace <= 0 {
		c.StandaloneGrace = 10 * time.Second
	}
	if c.ApplyThrottle <= 0 {
		c.ApplyThrottle = 3 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Agent — контекст координации одного окна.
type Agent struct {
	cfg   Config
	kv    store.KV
	st    *state.Store
	el    *election.Elector
	wrk   *fetcher.Worker
	sync  *syncer.Syncer
	reg   *registry.Registry
	dedup *dedupCache
	pushc *push.Client

	applyThrottle *detector.Throttle

	mu          sync.Mutex
	selfPolling bool // standalone-окно, запустившее собственный поллинг

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New строит агент. pushc может быть NewClient("") — тогда системные
// уведомления отключены.
func New(kv store.KV, pushc *push.Client, cfg Config) *Agent {
	cfg.fillDefaults()
	a := &Agent{
		cfg:           cfg,
		kv:            kv,
		st:            state.New(),
		wrk:           fetcher.New(cfg.Fetcher),
		dedup:         newDedupCache(),
		pushc:         pushc,
		applyThrottle: detector.NewThrottle(cfg.ApplyThrottle),
	}
	a.sync = syncer.New(kv, cfg.WindowID, cfg.SignalClearAfter, a.applyRemote)
	a.reg = registry.New(kv, a.st.MarkStandalone, a.st.UnmarkStandalone)
	a.el = election.New(kv, cfg.WindowID, cfg.Election, election.Callbacks{
		OnMaster: a.onMaster,
		OnSlave:  a.onSlave,
	})
	return a
}

// State — реактивный контейнер для UI-коллабораторов.
func (a *Agent) State() *state.Store { return a.st }

// WindowID — идентичность окна (живёт только в этом процессе).
func (a *Agent) WindowID() string { return a.cfg.WindowID }

// IsMaster сообщает, активен ли поллинг в этом окне по праву мастера.
func (a *Agent) IsMaster() bool { return a.el.IsMaster() }

// Registry — реестр standalone-чатов.
func (a *Agent) Registry() *registry.Registry { return a.reg }

// Start запускает все контуры окна. Повторный Start — no-op.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	ctx, a.cancel = context.WithCancel(ctx)
	a.st.SetLoading(true)
	a.reg.Initialize(ctx)
	for _, id := range a.reg.IDs() {
		a.st.MarkStandalone(id)
		a.st.MarkChatOpen(id)
	}
	a.sync.Start(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.wrk.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.pump(ctx)
	}()

	if a.cfg.Standalone {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.standaloneLoop(ctx)
		}()
		return
	}

	a.el.Start(ctx)
	locator := registry.NewStoreLocator(a.kv, a.cfg.StandaloneGrace)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reg.RunSweeper(ctx, locator, a.cfg.SweepInterval)
	}()
}

// Stop — чистое завершение окна: снять запись мастера, отпустить presence,
// погасить воркер. Идемпотентен.
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.wrk.Stop()
	a.sync.Stop()
	if !a.cfg.Standalone {
		a.el.Stop(ctx)
	} else {
		registry.ReleaseWindow(ctx, a.kv, a.cfg.StandaloneChatID)
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// onMaster: это окно выиграло выборы — поднимаем поллинг и немедленно
// перечитываем состояние вне очереди, чтобы новый мастер не раздавал стейл.
func (a *Agent) onMaster() {
	logger.Infof("window %s became master", a.cfg.WindowID)
	a.wrk.Init(a.cfg.Token, a.cfg.APIBaseURL, a.cfg.WindowID, a.cfg.Standalone)
	a.wrk.Reload(a.cfg.Token, a.cfg.APIBaseURL, true)
}

// onSlave: проиграли гонку — активный поллинг отменяется (деконфигурация
// воркера), живём на бродкастах мастера.
func (a *Agent) onSlave() {
	logger.Infof("window %s became slave", a.cfg.WindowID)
	a.wrk.Init("", "", a.cfg.WindowID, a.cfg.Standalone)
}

// standaloneLoop — контур standalone-окна: presence-отметка для sweep'а
// главного окна плюс надзор "есть ли живой мастер". Собственный поллинг
// включается только после StandaloneGrace тишины и выключается обратно,
// как только мастер снова виден.
func (a *Agent) standaloneLoop(ctx context.Context) {
	interval := a.cfg.Election.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.AnnounceWindow(ctx, a.kv, a.cfg.StandaloneChatID)
			seen := election.MasterSeenWithin(ctx, a.kv, a.cfg.StandaloneGrace)
			a.mu.Lock()
			switch {
			case !seen && !a.selfPolling:
				a.selfPolling = true
				a.mu.Unlock()
				logger.Infof("standalone window %s: no master heartbeat, polling on its own", a.cfg.WindowID)
				a.wrk.Init(a.cfg.Token, a.cfg.APIBaseURL, a.cfg.WindowID, true)
				a.wrk.Reload(a.cfg.Token, a.cfg.APIBaseURL, true)
			case seen && a.selfPolling:
				a.selfPolling = false
				a.mu.Unlock()
				logger.Infof("standalone window %s: master is back, stopping own polling", a.cfg.WindowID)
				a.wrk.Init("", "", a.cfg.WindowID, true)
			default:
				a.mu.Unlock()
			}
		}
	}
}

// pump разбирает сообщения воркера. Switch исчерпывающий по Kind.
func (a *Agent) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.wrk.Messages():
			a.handleWorkerMessage(ctx, msg)
		}
	}
}

func (a *Agent) handleWorkerMessage(ctx context.Context, msg fetcher.Message) {
	switch msg.Kind {
	case fetcher.KindNotifications:
		current := a.st.Notifications()
		if !a.cfg.Detector.HasChanges(current, msg.Snapshot) {
			// Материально идентичный снапшот: ни обновления, ни бродкаста.
			return
		}
		if !a.applyThrottle.Allow(msg.HighPriority) {
			return
		}
		a.st.SetSnapshot(msg.Snapshot, true)
		if err := a.sync.Broadcast(ctx, syncer.ActionSetSnapshot, msg.Snapshot); err != nil {
			logger.Errorf("broadcast snapshot: %v", err)
		}
	case fetcher.KindNewMessage:
		a.handleNewMessageHint(ctx, msg.NotificationID)
	case fetcher.KindAuthError:
		// Фатально для сессии: логаут решает UI, ретраев не будет.
		logger.Errorf("auth rejected by server, forcing logout")
		a.st.NotifyAuthExpired()
		a.wrk.Stop()
	case fetcher.KindError:
		// Transient — фоновый сбой молчит для пользователя, только лог.
		logger.Errorf("background fetch: %s", msg.Err)
	case fetcher.KindReady:
		logger.Debugf("worker ready window=%s", a.cfg.WindowID)
	case fetcher.KindPong:
		logger.Debugf("worker pong window=%s", a.cfg.WindowID)
	}
}

// handleNewMessageHint — подсказка не является истиной состояния: решение
// показать системное уведомление принимается по dedup-кешу и mute-статусу
// (с фолбэком на локальную карту, если сервер недоступен).
func (a *Agent) handleNewMessageHint(ctx context.Context, id int64) {
	n, ok := a.st.Get(id)
	if !ok {
		return
	}
	if a.isMutedNow(ctx, &n) {
		return
	}
	if !a.dedup.Admit(&n) {
		return
	}
	a.st.NotifyNewMessage(id)
	if a.pushc != nil && a.cfg.UserID != "" {
		body := n.LastMessage()
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		go a.pushc.Notify(context.Background(), a.cfg.UserID, n.Title, body,
			map[string]string{"notification_id": formatID(id)})
	}
}
