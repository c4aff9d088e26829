package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/widgetd/dbopen"
	"github.com/hazyhaar/widgetd/idgen"
	"github.com/hazyhaar/widgetd/widget"
)

// InsertModifier attaches m to an existing widget. It fails with
// *widget.NotFoundError when the widget is not stored.
func (s *Store) InsertModifier(ctx context.Context, m *widget.Modifier) error {
	if m.ID == "" {
		m.ID = idgen.Modifier()
	}
	m.CreatedAt = s.nowMilli()

	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM widgets WHERE widget_id = ?`, m.WidgetID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &widget.NotFoundError{Kind: "widget", ID: m.WidgetID}
		}
		if err != nil {
			return fmt.Errorf("store: check widget: %w", err)
		}
		return insertModifier(ctx, tx, m)
	})
}

func insertModifier(ctx context.Context, tx *sql.Tx, m *widget.Modifier) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO modifiers (widget_id, modifier_id, kind, interval_seconds, css_selector, created_at)
		VALUES (?,?,?,?,?,?)`,
		m.WidgetID, m.ID, string(m.Kind), m.IntervalSeconds, m.Selector, m.CreatedAt)
	if err != nil {
		if dbopen.IsForeignKey(err) {
			return &widget.NotFoundError{Kind: "widget", ID: m.WidgetID}
		}
		return fmt.Errorf("store: insert modifier: %w", err)
	}
	return nil
}

// DeleteModifier removes one modifier of a widget.
func (s *Store) DeleteModifier(ctx context.Context, widgetID, modifierID string) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`DELETE FROM modifiers WHERE widget_id = ? AND modifier_id = ?`, widgetID, modifierID)
	if err != nil {
		return fmt.Errorf("store: delete modifier: %w", err)
	}
	return requireRow(res, "modifier", modifierID)
}

// ListModifiers returns the modifiers of widgetID, or of every widget when
// widgetID is empty.
func (s *Store) ListModifiers(ctx context.Context, widgetID string) ([]widget.Modifier, error) {
	query := `SELECT widget_id, modifier_id, kind, interval_seconds, css_selector, created_at FROM modifiers`
	var args []any
	if widgetID != "" {
		query += ` WHERE widget_id = ?`
		args = append(args, widgetID)
	}
	query += ` ORDER BY widget_id ASC, created_at ASC, modifier_id ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list modifiers: %w", err)
	}
	defer rows.Close()

	var out []widget.Modifier
	for rows.Next() {
		var m widget.Modifier
		var kind string
		if err := rows.Scan(&m.WidgetID, &m.ID, &kind, &m.IntervalSeconds, &m.Selector, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan modifier: %w", err)
		}
		m.Kind = widget.ModifierKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}
