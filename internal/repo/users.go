package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"orderline/internal/domain"
)

// HashPassword returns the hex sha256 of a cleartext secret.
func HashPassword(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

const userColumns = `id,name,phone,password_hash,avatar_url,dormitory_area,building_number,rating,completed_orders,created_at`

func scanUser(s interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var phone, avatar, area, building sql.NullString
	err := s.Scan(&u.ID, &u.Name, &phone, &u.PasswordHash, &avatar, &area, &building, &u.Rating, &u.CompletedOrders, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if phone.Valid {
		u.Phone = phone.String
	}
	if avatar.Valid {
		u.AvatarURL = avatar.String
	}
	if area.Valid {
		u.DormitoryArea = area.String
	}
	if building.Valid {
		u.BuildingNumber = building.String
	}
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,phone,password_hash,avatar_url,dormitory_area,building_number,rating,completed_orders,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Phone), u.PasswordHash, nullable(u.AvatarURL), nullable(u.DormitoryArea),
		nullable(u.BuildingNumber), u.Rating, u.CompletedOrders, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByPhone(ctx context.Context, phone string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone=?`, phone))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// IncrementCompletedOrders bumps the courier's completion counter.
// Best-effort stats, called outside the status transaction.
func (r Repo) IncrementCompletedOrders(ctx context.Context, userID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET completed_orders=completed_orders+1 WHERE id=?`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
