package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trezcool/tutora/core"
	"github.com/trezcool/tutora/core/wallet"
)

type walletRepository struct {
	db *DB
}

var _ wallet.Repository = (*walletRepository)(nil)

func NewWalletRepository(db *DB) wallet.Repository {
	return &walletRepository{db: db}
}

func (repo *walletRepository) GetWallet(_ context.Context, studentID string, forUpdate bool, exec ...core.DBExecutor) (wallet.Wallet, error) {
	var w wallet.Wallet
	err := repo.db.do(exec, func() error {
		var ok bool
		if w, ok = repo.db.wallets[studentID]; ok {
			return nil
		}
		usr, ok := repo.db.users[studentID]
		if !ok {
			return wallet.ErrStudentNotFound
		}
		if !forUpdate {
			w = wallet.Wallet{StudentID: studentID, UpdatedAt: usr.CreatedAt}
			return nil
		}
		w = wallet.Wallet{StudentID: studentID, UpdatedAt: core.Now()}
		repo.db.wallets[studentID] = w
		return nil
	})
	return w, err
}

func (repo *walletRepository) UpdateWallet(_ context.Context, w wallet.Wallet, exec ...core.DBExecutor) error {
	return repo.db.do(exec, func() error {
		if _, ok := repo.db.wallets[w.StudentID]; !ok {
			return wallet.ErrStudentNotFound
		}
		repo.db.wallets[w.StudentID] = w
		return nil
	})
}

func (repo *walletRepository) InsertEntry(_ context.Context, e wallet.Entry, exec ...core.DBExecutor) (wallet.Entry, error) {
	err := repo.db.do(exec, func() error {
		if e.Reference != "" {
			for _, old := range repo.db.entries {
				if old.StudentID == e.StudentID && old.Reference == e.Reference {
					return wallet.ErrDuplicateReference
				}
			}
		}
		e.ID = uuid.NewString()
		repo.db.entries = append(repo.db.entries, e)
		return nil
	})
	if err != nil {
		return wallet.Entry{}, err
	}
	return e, nil
}

func (repo *walletRepository) GetEntryByReference(_ context.Context, studentID, reference string, exec ...core.DBExecutor) (wallet.Entry, error) {
	var entry wallet.Entry
	err := repo.db.do(exec, func() error {
		for _, e := range repo.db.entries {
			if e.StudentID == studentID && e.Reference == reference {
				entry = e
				return nil
			}
		}
		return wallet.ErrEntryNotFound
	})
	return entry, err
}

func (repo *walletRepository) QueryEntries(_ context.Context, filter wallet.EntryFilter, exec ...core.DBExecutor) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0)
	_ = repo.db.do(exec, func() error {
		// newest first
		for i := len(repo.db.entries) - 1; i >= 0; i-- {
			e := repo.db.entries[i]
			switch {
			case filter.StudentID != "" && e.StudentID != filter.StudentID:
				continue
			case len(filter.Kinds) > 0 && !contains(filter.Kinds, e.Kind):
				continue
			case filter.ReservationID != "" && e.ReservationID != filter.ReservationID:
				continue
			case !inPeriod(e.CreatedAt, filter.From, filter.To):
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (repo *walletRepository) CreateHold(_ context.Context, h wallet.Hold, exec ...core.DBExecutor) error {
	return repo.db.do(exec, func() error {
		if _, ok := repo.db.holds[h.ReservationID]; ok {
			return wallet.ErrHoldExists
		}
		repo.db.holds[h.ReservationID] = h
		return nil
	})
}

func (repo *walletRepository) GetHold(_ context.Context, reservationID string, _ bool, exec ...core.DBExecutor) (wallet.Hold, error) {
	var hold wallet.Hold
	err := repo.db.do(exec, func() error {
		h, ok := repo.db.holds[reservationID]
		if !ok {
			return wallet.ErrHoldNotFound
		}
		hold = h
		return nil
	})
	return hold, err
}

func (repo *walletRepository) UpdateHold(_ context.Context, h wallet.Hold, exec ...core.DBExecutor) error {
	return repo.db.do(exec, func() error {
		if _, ok := repo.db.holds[h.ReservationID]; !ok {
			return wallet.ErrHoldNotFound
		}
		repo.db.holds[h.ReservationID] = h
		return nil
	})
}
