// Package report renders journal listings as spreadsheets for the
// inventory tables' export action.
package report

import (
	"fmt"
	"io"

	"inventory-ledger/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	sheetName = "Transactions"

	// ContentType is the MIME type of the rendered workbook
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var headings = []string{
	"ID", "Type", "Product", "Warehouse", "Quantity", "Delta",
	"Operator", "Note", "Pair ID", "Reservation ID", "Created At",
}

// WriteTransactions writes txs as a single-sheet XLSX workbook to w
func WriteTransactions(w io.Writer, txs []models.Transaction) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}

	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}

	for i, tx := range txs {
		row := []interface{}{
			tx.ID, string(tx.Type), tx.ProductID, tx.WarehouseID, tx.Quantity, tx.Delta,
			tx.Operator, tx.Note, tx.PairID, tx.ReservationID, tx.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	return f.Write(w)
}
