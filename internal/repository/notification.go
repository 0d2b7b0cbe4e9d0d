package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notisync/internal/logger"
	"github.com/notisync/internal/model"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

const notificationColumns = `notification_id, title, is_read_by_user, is_closed, archived,
		pinned, favorite, is_muted, mute_expiry_date, chat_left`

func scanNotification(row pgx.Row) (model.Notification, error) {
	var n model.Notification
	err := row.Scan(&n.NotificationID, &n.Title, &n.IsReadByUser, &n.IsClosed, &n.Archived,
		&n.Pinned, &n.Favorite, &n.IsMuted, &n.MuteExpiryDate, &n.ChatLeft)
	return n, err
}

// List возвращает полный снапшот: все уведомления с сообщениями. Снапшот —
// полная замена, не дельта; клиентский детектор сравнивает два снапшота сам.
func (r *NotificationRepository) List(ctx context.Context) ([]model.Notification, error) {
	defer logger.DeferLogDuration("notif.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications ORDER BY notification_id`)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.List query: %w", err)
	}
	defer rows.Close()

	notifications := make([]model.Notification, 0, 32)
	index := make(map[int64]int)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("notifRepo.List scan: %w", err)
		}
		index[n.NotificationID] = len(notifications)
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.List rows: %w", err)
	}

	msgRows, err := r.pool.Query(ctx,
		`SELECT notification_id, message_id, sender_id, sender_name, message
		 FROM notification_messages ORDER BY notification_id, message_id`)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.List messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var nid int64
		var m model.Message
		if err := msgRows.Scan(&nid, &m.MessageID, &m.SenderID, &m.SenderName, &m.Message); err != nil {
			return nil, fmt.Errorf("notifRepo.List message scan: %w", err)
		}
		if i, ok := index[nid]; ok {
			notifications[i].Messages = append(notifications[i].Messages, m)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.List message rows: %w", err)
	}
	return notifications, nil
}

// GetByID возвращает одно уведомление с сообщениями.
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*model.Notification, error) {
	defer logger.DeferLogDuration("notif.GetByID", time.Now())()
	n, err := scanNotification(r.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE notification_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("notifRepo.GetByID: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT message_id, sender_id, sender_name, message
		 FROM notification_messages WHERE notification_id = $1 ORDER BY message_id`, id)
	if err != nil {
		return nil, fmt.Errorf("notifRepo.GetByID messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.MessageID, &m.SenderID, &m.SenderName, &m.Message); err != nil {
			return nil, fmt.Errorf("notifRepo.GetByID message scan: %w", err)
		}
		n.Messages = append(n.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notifRepo.GetByID message rows: %w", err)
	}
	return &n, nil
}

// Create заводит новый тред (создание — серверная прерогатива, клиент только
// отражает).
func (r *NotificationRepository) Create(ctx context.Context, title string) (int64, error) {
	defer logger.DeferLogDuration("notif.Create", time.Now())()
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO notifications (title) VALUES ($1) RETURNING notification_id`, title).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("notifRepo.Create: %w", err)
	}
	return id, nil
}

func (r *NotificationRepository) setField(ctx context.Context, id int64, column string, value any) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET `+column+` = $1 WHERE notification_id = $2`, value, id)
	if err != nil {
		return fmt.Errorf("notifRepo.set %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) SetRead(ctx context.Context, id int64, isRead bool) error {
	return r.setField(ctx, id, "is_read_by_user", isRead)
}

func (r *NotificationRepository) SetClosed(ctx context.Context, id int64, closed bool) error {
	return r.setField(ctx, id, "is_closed", closed)
}

func (r *NotificationRepository) SetArchived(ctx context.Context, id int64, flag model.ArchivedFlag) error {
	return r.setField(ctx, id, "archived", string(flag))
}

func (r *NotificationRepository) SetPinned(ctx context.Context, id int64, pinned bool) error {
	return r.setField(ctx, id, "pinned", pinned)
}

func (r *NotificationRepository) SetFavorite(ctx context.Context, id int64, favorite bool) error {
	return r.setField(ctx, id, "favorite", favorite)
}

func (r *NotificationRepository) SetTitle(ctx context.Context, id int64, title string) error {
	return r.setField(ctx, id, "title", title)
}

func (r *NotificationRepository) SetMuted(ctx context.Context, id int64, muted bool, expiry *time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_muted = $1, mute_expiry_date = $2 WHERE notification_id = $3`,
		muted, expiry, id)
	if err != nil {
		return fmt.Errorf("notifRepo.SetMuted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMessage добавляет сообщение и сбрасывает прочитанность треда.
func (r *NotificationRepository) AddMessage(ctx context.Context, id int64, senderID, senderName, text string) (model.Message, error) {
	defer logger.DeferLogDuration("notif.AddMessage", time.Now())()
	var m model.Message
	err := r.pool.QueryRow(ctx,
		`INSERT INTO notification_messages (notification_id, sender_id, sender_name, message)
		 VALUES ($1, $2, $3, $4) RETURNING message_id`, id, senderID, senderName, text).Scan(&m.MessageID)
	if err != nil {
		return m, fmt.Errorf("notifRepo.AddMessage: %w", err)
	}
	m.SenderID = senderID
	m.SenderName = senderName
	m.Message = text
	if _, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read_by_user = FALSE WHERE notification_id = $1`, id); err != nil {
		logger.Errorf("notifRepo.AddMessage reset read %d: %v", id, err)
	}
	return m, nil
}

// LeaveChat помечает выход и дописывает системное сообщение-сентинел,
// по которому клиенты режут историю.
func (r *NotificationRepository) LeaveChat(ctx context.Context, id int64, userID, userName string) error {
	if err := r.setField(ctx, id, "chat_left", true); err != nil {
		return err
	}
	if _, err := r.AddMessage(ctx, id, userID, userName, model.LeftChatText); err != nil {
		return err
	}
	return nil
}
