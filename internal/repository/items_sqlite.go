package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"brain2-datacore/internal/errors"
)

// sqliteItems stores items as JSON documents in a (pk, sk, data) table.
type sqliteItems struct {
	db    *sql.DB
	table string
}

func (s sqliteItems) ident() string {
	return `"` + strings.ReplaceAll(s.table, `"`, `""`) + `"`
}

func (s sqliteItems) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.ident()+` (
		pk   TEXT NOT NULL,
		sk   TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (pk, sk)
	)`)
	return s.wrap("create table", err)
}

func (s sqliteItems) get(ctx context.Context, key Key) (Item, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM `+s.ident()+` WHERE pk = ? AND sk = ?`, key.PK, key.SK).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap("select item", err)
	}
	item, err := decodeItem(key, data)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (s sqliteItems) put(ctx context.Context, key Key, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return marshalError("marshal item", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.ident()+` (pk, sk, data) VALUES (?, ?, ?)
		 ON CONFLICT (pk, sk) DO UPDATE SET data = excluded.data`,
		key.PK, key.SK, string(data))
	return s.wrap("upsert item", err)
}

func (s sqliteItems) delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.ident()+` WHERE pk = ? AND sk = ?`, key.PK, key.SK)
	return s.wrap("delete item", err)
}

func (s sqliteItems) query(ctx context.Context, q Query, start *LastEvaluatedKey) (Page, error) {
	var (
		where = []string{"pk = ?"}
		args  = []any{q.PK}
		order = "ASC"
		cmp   = ">"
	)
	if q.Descending {
		order, cmp = "DESC", "<"
	}
	if q.SKPrefix != "" {
		// instr keeps the match case-sensitive, unlike LIKE.
		where = append(where, "instr(sk, ?) = 1")
		args = append(args, q.SKPrefix)
	}
	if start != nil {
		where = append(where, "sk "+cmp+" ?")
		args = append(args, start.SK)
	}
	limit := q.Page.GetEffectiveLimit()
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT sk, data FROM %s WHERE %s ORDER BY sk %s LIMIT ?`,
			s.ident(), strings.Join(where, " AND "), order),
		args...)
	if err != nil {
		return Page{}, s.wrap("query items", err)
	}
	defer rows.Close()

	page := Page{Items: make([]Item, 0, limit)}
	var lastSK string
	for rows.Next() {
		if len(page.Items) == limit {
			page.NextToken = EncodeNextToken(LastEvaluatedKey{PK: q.PK, SK: lastSK})
			break
		}
		var sk, data string
		if err := rows.Scan(&sk, &data); err != nil {
			return Page{}, s.wrap("scan item", err)
		}
		item, err := decodeItem(Key{PK: q.PK, SK: sk}, data)
		if err != nil {
			return Page{}, err
		}
		page.Items = append(page.Items, item)
		lastSK = sk
	}
	if err := rows.Err(); err != nil {
		return Page{}, s.wrap("iterate items", err)
	}
	return page, nil
}

func (s sqliteItems) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Connection(errors.CodeQueryFailed, "sqlite "+op+" failed").
		WithResource(s.table).
		WithCause(err).
		Build()
}

func decodeItem(key Key, data string) (Item, error) {
	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, marshalError("decode item", err)
	}
	if item == nil {
		item = Item{}
	}
	item[AttrPK] = key.PK
	item[AttrSK] = key.SK
	return item, nil
}
