package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditbook/pkg/credits"
)

// The correlated subquery picks each user's most recent active or trialing
// payment and works on both postgres and sqlite.
const sqlListPopulation = `
	select
		u.user_id as user_id,
		coalesce(p.price_id, '') as price_id,
		coalesce(p.status, '') as payment_status
	from users u
	left join payments p on p.payment_id = (
		select p2.payment_id
		from payments p2
		where p2.user_id = u.user_id
		  and p2.status in ('active', 'trialing')
		order by p2.created_at desc
		limit 1
	)
	where u.banned = false
	order by u.user_id
`

type populationRow struct {
	UserID        string
	PriceID       string
	PaymentStatus string
}

// ListActiveUsersWithLatestPayment returns all non-banned users joined with
// their latest active/trialing payment, one row per user.
func (store *Store) ListActiveUsersWithLatestPayment(ctx context.Context) ([]credits.UserPaymentRecord, error) {
	var rows []populationRow
	err := store.db.WithContext(ctx).Raw(sqlListPopulation).Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPopulation, errorCodeList, err)
	}
	records := make([]credits.UserPaymentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, credits.UserPaymentRecord{
			UserID:        row.UserID,
			PriceID:       row.PriceID,
			PaymentStatus: row.PaymentStatus,
		})
	}
	return records, nil
}
