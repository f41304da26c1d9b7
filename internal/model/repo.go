package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/db"
	"github.com/thep200/gitpulse/pkg/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is a repository registered for indexing. ID is the remote numeric id.
type Repo struct {
	ID            int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	OwnerID       string    `json:"owner_id" gorm:"column:owner_id;type:varchar(64);index;not null"`
	User          string    `json:"user" gorm:"column:user;type:varchar(255);not null"`
	Name          string    `json:"name" gorm:"column:name;type:varchar(255);not null"`
	IsIndexed     bool      `json:"is_indexed" gorm:"column:is_indexed;default:true;index"`
	SizeKLOC      *float64  `json:"size_kloc" gorm:"column:size_kloc"`
	DefaultBranch string    `json:"default_branch" gorm:"column:default_branch;type:varchar(255)"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (r *Repo) TableName() string {
	return "repositories"
}

func (r Repo) FullName() string {
	return r.User + "/" + r.Name
}

type RepoStore struct {
	Model
}

func NewRepoStore(config *cfg.Config, logger log.Logger, database *db.Database) (*RepoStore, error) {
	return &RepoStore{
		Model: Model{
			Config:   config,
			Logger:   logger,
			Database: database,
		},
	}, nil
}

// Save registers or refreshes a repository.
func (s *RepoStore) Save(ctx context.Context, repo *Repo) error {
	repo.User = TruncateString(repo.User, 250)
	repo.Name = TruncateString(repo.Name, 250)

	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}

	if err := gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "user", "name", "is_indexed", "size_kloc", "default_branch", "updated_at"}),
	}).Create(repo).Error; err != nil {
		s.Logger.Error(ctx, "Failed to save repo %s: %v", repo.FullName(), err)
		return err
	}
	return nil
}

func (s *RepoStore) Get(ctx context.Context, id int64) (*Repo, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var repo Repo
	if err := gdb.First(&repo, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("repository %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &repo, nil
}

// ListIndexed returns every repository eligible for the daily trigger, ordered by id.
func (s *RepoStore) ListIndexed(ctx context.Context) ([]Repo, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var repos []Repo
	if err := gdb.Where("is_indexed = ?", true).Order("id").Find(&repos).Error; err != nil {
		return nil, err
	}
	return repos, nil
}

func (s *RepoStore) SetSize(ctx context.Context, id int64, kloc float64) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return gdb.Model(&Repo{}).Where("id = ?", id).Update("size_kloc", kloc).Error
}

// DeleteTx removes the repository row inside an existing transaction.
func (s *RepoStore) DeleteTx(tx *gorm.DB, id int64) (int64, error) {
	res := tx.Where("id = ?", id).Delete(&Repo{})
	return res.RowsAffected, res.Error
}
