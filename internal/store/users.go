package store

import (
	"context"
	"time"

	"github.com/dwestall/aquawatch/internal/models"
	"github.com/google/uuid"
)

// CreateUser inserts a new operator account.
func (s *Store) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Status == "" {
		user.Status = models.UserPending
	}
	if user.Role == "" {
		user.Role = models.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, status, email_notifications, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, string(user.Role), string(user.Status),
		boolInt(user.EmailNotifications), user.CreatedAt.UnixMilli())
	if err != nil {
		return nil, classify("create_user", err)
	}
	return user, nil
}

// GetUserByID fetches a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE id = ?`, id)
	return scanUser(row)
}

// ListActiveStaffWithEmailNotifications returns every active user that has
// opted into alert emails. Both staff and admins qualify.
func (s *Store) ListActiveStaffWithEmailNotifications(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+`
		WHERE status = 'active' AND email_notifications = 1
		ORDER BY email`)
	if err != nil {
		return nil, classify("list_notifiable_users", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_notifiable_users", err)
	}
	return users, nil
}

const userSelect = `
	SELECT id, email, name, role, status, email_notifications, created_at
	FROM users`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u             models.User
		role          string
		status        string
		notifications int
		createdAt     int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &status, &notifications, &createdAt)
	if err != nil {
		return nil, classify("scan_user", err)
	}
	u.Role = models.Role(role)
	u.Status = models.UserStatus(status)
	u.EmailNotifications = notifications != 0
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}
