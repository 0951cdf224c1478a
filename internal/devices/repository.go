package devices

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/costawatch/backend/internal/relay"
)

const stateActive = "ACTIVE"

// Repository is the pgx-backed device directory and camera credential store.
// It satisfies relay.CameraAuthenticator and relay.DeviceDirectory.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a device repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// VerifyCameraToken checks the presented token against the stored bcrypt hash
// for the device. Unknown and inactive devices fail the same way as a bad
// token so probes cannot enumerate camera ids.
func (r *Repository) VerifyCameraToken(ctx context.Context, cameraID, token string) error {
	const q = `SELECT token_hash, state FROM cameras WHERE camera_id = $1`
	var hash, state string
	err := r.pool.QueryRow(ctx, q, cameraID).Scan(&hash, &state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return relay.ErrBadCredentials
		}
		return err
	}
	if state != stateActive {
		return relay.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return relay.ErrBadCredentials
	}
	return nil
}

// DeviceActive reports whether the camera exists and is in the ACTIVE state.
func (r *Repository) DeviceActive(ctx context.Context, cameraID string) (bool, error) {
	const q = `SELECT state FROM cameras WHERE camera_id = $1`
	var state string
	err := r.pool.QueryRow(ctx, q, cameraID).Scan(&state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return state == stateActive, nil
}

// ListDevices returns every active camera in the directory.
func (r *Repository) ListDevices(ctx context.Context) ([]relay.Device, error) {
	const q = `SELECT camera_id, model, vendor, state, url, created_at
		FROM cameras WHERE state = $1 ORDER BY camera_id`
	rows, err := r.pool.Query(ctx, q, stateActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Device
	for rows.Next() {
		var d relay.Device
		if err := rows.Scan(&d.CameraID, &d.Model, &d.Vendor, &d.State, &d.URL, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByState returns active and inactive camera totals.
func (r *Repository) CountByState(ctx context.Context) (active, inactive int, err error) {
	const q = `SELECT
		COUNT(*) FILTER (WHERE state = $1),
		COUNT(*) FILTER (WHERE state <> $1)
		FROM cameras`
	err = r.pool.QueryRow(ctx, q, stateActive).Scan(&active, &inactive)
	return active, inactive, err
}
