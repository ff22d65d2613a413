package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/servimatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveMatch(m *models.Match) error {
	_, err := p.db.Exec(`INSERT INTO matches(id, client_id, provider_id, category, title, description, status, client_lat, client_lon, address, estimated_price, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.ID, m.ClientID, m.ProviderID, m.Category, m.Title, m.Description, m.Status,
		m.ClientLocation.Lat, m.ClientLocation.Lon, m.Address, m.EstimatedPrice, m.CreatedAt)
	return err
}

func (p *PostgresStore) UpdateMatch(m *models.Match) error {
	_, err := p.db.Exec(`UPDATE matches SET provider_id=$1, status=$2, estimated_price=$3, final_price=$4,
		confirmed_at=$5, started_at=$6, completed_at=$7, updated_at=$8 WHERE id=$9`,
		m.ProviderID, m.Status, m.EstimatedPrice, m.FinalPrice,
		m.ConfirmedAt, m.StartedAt, m.CompletedAt, time.Now(), m.ID)
	return err
}

func (p *PostgresStore) GetMatch(id string) (*models.Match, error) {
	row := p.db.QueryRow(`SELECT id, client_id, provider_id, category, title, description, status,
		client_lat, client_lon, address, estimated_price, final_price,
		created_at, confirmed_at, started_at, completed_at FROM matches WHERE id=$1`, id)
	var m models.Match
	err := row.Scan(&m.ID, &m.ClientID, &m.ProviderID, &m.Category, &m.Title, &m.Description, &m.Status,
		&m.ClientLocation.Lat, &m.ClientLocation.Lon, &m.Address, &m.EstimatedPrice, &m.FinalPrice,
		&m.CreatedAt, &m.ConfirmedAt, &m.StartedAt, &m.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
