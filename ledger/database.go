package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	didsol "github.com/did-method-sol/go-didsol"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRow is the stored state of one ledger address
type AccountRow struct {
	Address  string `gorm:"column:address;primaryKey"`
	Owner    string `gorm:"column:owner;not null"`
	Lamports uint64 `gorm:"column:lamports;not null"`
	Data     []byte `gorm:"column:data"`
	Revision uint64 `gorm:"column:revision;not null"`
}

func (AccountRow) TableName() string {
	return "accounts"
}

func (r *AccountRow) toAccount() (*didsol.Account, error) {
	addr, err := didsol.ParsePublicKey(r.Address)
	if err != nil {
		return nil, fmt.Errorf("stored address: %w", err)
	}
	owner, err := didsol.ParsePublicKey(r.Owner)
	if err != nil {
		return nil, fmt.Errorf("stored owner of %s: %w", r.Address, err)
	}
	data := r.Data
	if data == nil {
		data = []byte{}
	}
	return &didsol.Account{
		Address:  addr,
		Owner:    owner,
		Lamports: r.Lamports,
		Data:     data,
		Revision: r.Revision,
	}, nil
}

// InstructionRow is a committed instruction. Seq is assigned by the database.
type InstructionRow struct {
	Seq        int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	DidAccount string `gorm:"column:did_account;not null;index"`
	Type       string `gorm:"column:type;not null"`
	Authority  string `gorm:"column:authority;not null"`
	Nonce      int64  `gorm:"column:nonce;not null"`
	Request    []byte `gorm:"column:request;not null"`
	CreatedAt  string `gorm:"column:created_at;not null"`
	CID        string `gorm:"column:cid;not null"`
}

func (InstructionRow) TableName() string {
	return "instructions"
}

func (r *InstructionRow) toRecord() *didsol.InstructionRecord {
	return &didsol.InstructionRecord{
		Seq:        r.Seq,
		DidAccount: r.DidAccount,
		Type:       r.Type,
		Authority:  r.Authority,
		Nonce:      r.Nonce,
		Request:    json.RawMessage(r.Request),
		CreatedAt:  r.CreatedAt,
		CID:        r.CID,
	}
}

// GormAccountStore implements didsol.AccountStore using a database backend
type GormAccountStore struct {
	db *gorm.DB
}

var _ didsol.AccountStore = (*GormAccountStore)(nil)

// NewGormAccountStoreWithDialector creates a new database-backed account store with a custom dialector
func NewGormAccountStoreWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormAccountStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "accountstore").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&AccountRow{}, &InstructionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormAccountStore{
		db: db,
	}, nil
}

func NewGormAccountStoreWithSqlite(dbPath string, logger *slog.Logger) (*GormAccountStore, error) {
	return NewGormAccountStoreWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewGormAccountStoreWithPostgres(dsn string, logger *slog.Logger) (*GormAccountStore, error) {
	// synchronous_commit stays on: nothing upstream can replay lost instructions
	if _, err := url.Parse(dsn); err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	return NewGormAccountStoreWithDialector(
		postgres.Open(dsn),
		logger,
	)
}

// GetAccount implements didsol.AccountStore
func (s *GormAccountStore) GetAccount(ctx context.Context, address didsol.PublicKey) (*didsol.Account, error) {
	var row AccountRow
	result := s.db.WithContext(ctx).Where("address = ?", address.String()).Take(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return didsol.NewEmptyAccount(address), nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return row.toAccount()
}

// CommitInstructions implements didsol.AccountStore
func (s *GormAccountStore) CommitInstructions(ctx context.Context, prepared []*didsol.PreparedInstruction) ([]*didsol.InstructionRecord, error) {
	records := make([]*didsol.InstructionRecord, 0, len(prepared))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records = records[:0]
		for _, p := range prepared {
			for _, w := range p.Writes {
				if err := writeAccount(tx, w); err != nil {
					return err
				}
			}

			rec, err := didsol.NewInstructionRecord(p, syntax.DatetimeNow())
			if err != nil {
				return err
			}
			row := InstructionRow{
				DidAccount: rec.DidAccount,
				Type:       rec.Type,
				Authority:  rec.Authority,
				Nonce:      rec.Nonce,
				Request:    rec.Request,
				CreatedAt:  rec.CreatedAt,
				CID:        rec.CID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to create instruction: %w", err)
			}
			rec.Seq = row.Seq
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// writeAccount stores w with optimistic locking on its revision. Revision 0
// means the account has never been stored.
func writeAccount(tx *gorm.DB, w *didsol.Account) error {
	data := w.Data
	if data == nil {
		data = []byte{}
	}
	if w.Revision == 0 {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&AccountRow{
			Address:  w.Address.String(),
			Owner:    w.Owner.String(),
			Lamports: w.Lamports,
			Data:     data,
			Revision: 1,
		})
		if result.Error != nil {
			return fmt.Errorf("failed to create account: %w", result.Error)
		} else if result.RowsAffected != 1 {
			return fmt.Errorf("%w: %s already exists", didsol.ErrRevisionMismatch, w.Address)
		}
		return nil
	}

	result := tx.Model(&AccountRow{}).
		Where("address = ? AND revision = ?", w.Address.String(), w.Revision).
		Updates(map[string]any{
			"owner":    w.Owner.String(),
			"lamports": w.Lamports,
			"data":     data,
			"revision": w.Revision + 1,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update account: %w", result.Error)
	} else if result.RowsAffected != 1 {
		return fmt.Errorf("%w: %s is no longer at revision %d", didsol.ErrRevisionMismatch, w.Address, w.Revision)
	}
	return nil
}

// GetHistory implements didsol.AccountStore
func (s *GormAccountStore) GetHistory(ctx context.Context, didAccount didsol.PublicKey) ([]*didsol.InstructionRecord, error) {
	var rows []InstructionRow
	result := s.db.WithContext(ctx).Where("did_account = ?", didAccount.String()).Order("seq ASC").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	out := make([]*didsol.InstructionRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// GetRecordsSince implements didsol.AccountStore
func (s *GormAccountStore) GetRecordsSince(ctx context.Context, seq int64, limit int) ([]*didsol.InstructionRecord, error) {
	var rows []InstructionRow
	result := s.db.WithContext(ctx).Where("seq > ?", seq).Order("seq ASC").Limit(limit).Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	out := make([]*didsol.InstructionRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// Airdrop implements didsol.AccountStore
func (s *GormAccountStore) Airdrop(ctx context.Context, address didsol.PublicKey, lamports uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row AccountRow
		result := tx.Where("address = ?", address.String()).Take(&row)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			acct := didsol.NewEmptyAccount(address)
			acct.Lamports = lamports
			return writeAccount(tx, acct)
		}
		if result.Error != nil {
			return fmt.Errorf("database error: %w", result.Error)
		}
		acct, err := row.toAccount()
		if err != nil {
			return err
		}
		acct.Lamports += lamports
		return writeAccount(tx, acct)
	})
}

// LatestSeq returns the sequence number of the most recent instruction, 0 if there is none.
func (s *GormAccountStore) LatestSeq(ctx context.Context) (int64, error) {
	var row InstructionRow
	result := s.db.WithContext(ctx).Order("seq DESC").Take(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if result.Error != nil {
		return 0, result.Error
	}
	return row.Seq, nil
}
