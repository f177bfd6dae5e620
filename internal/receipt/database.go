package receipt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptBucketName      = "receipts"
	createdIndexBucketName = "receipts_by_seq"
	paymentIndexBucketName = "payment_index"
	orderIndexBucketName   = "order_index"
	eventBucketName        = "events"
	orderGuardBucketName   = "order_guard"
	lineItemBucketName     = "line_items"
)

// ItemRow is the denormalized one-row-per-line-item reporting projection,
// keyed by merchant+payment_id+order_id+index and fully replaced whenever a
// merge changes a receipt's items
type ItemRow struct {
	ReceiptID string  `json:"receipt_id"`
	Merchant  string  `json:"merchant"`
	PaymentID string  `json:"payment_id"`
	OrderID   string  `json:"order_id"`
	SKU       string  `json:"sku,omitempty"`
	Name      string  `json:"name"`
	Quantity  int64   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// BoltDB implements Store and Ledger using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			receiptBucketName,
			createdIndexBucketName,
			paymentIndexBucketName,
			orderIndexBucketName,
			eventBucketName,
			orderGuardBucketName,
			lineItemBucketName,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateReceipt appends a new receipt inside a single write transaction; the
// index check and insert are atomic so concurrent creates for the same key
// cannot both succeed
func (b *BoltDB) CreateReceipt(r *Receipt) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		payments := tx.Bucket([]byte(paymentIndexBucketName))
		orders := tx.Bucket([]byte(orderIndexBucketName))

		if r.PaymentID != "" && payments.Get([]byte(indexKey(r.Merchant, r.PaymentID))) != nil {
			return ErrDuplicateKey
		}
		if r.OrderID != "" && orders.Get([]byte(indexKey(r.Merchant, r.OrderID))) != nil {
			return ErrDuplicateKey
		}

		if err := putReceipt(tx, r); err != nil {
			return err
		}

		created := tx.Bucket([]byte(createdIndexBucketName))
		seq, err := created.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := created.Put(key, []byte(r.ID)); err != nil {
			return err
		}

		return replaceItemRows(tx, r)
	})
}

// putReceipt writes the receipt record and refreshes its key indexes.
// Caller holds a write transaction.
func putReceipt(tx *bbolt.Tx, r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	if err := tx.Bucket([]byte(receiptBucketName)).Put([]byte(r.ID), data); err != nil {
		return err
	}
	if r.PaymentID != "" {
		if err := tx.Bucket([]byte(paymentIndexBucketName)).Put([]byte(indexKey(r.Merchant, r.PaymentID)), []byte(r.ID)); err != nil {
			return err
		}
	}
	if r.OrderID != "" {
		if err := tx.Bucket([]byte(orderIndexBucketName)).Put([]byte(indexKey(r.Merchant, r.OrderID)), []byte(r.ID)); err != nil {
			return err
		}
	}
	return nil
}

func itemRowPrefix(merchant Merchant, paymentID, orderID string) []byte {
	return []byte(string(merchant) + "|" + paymentID + "|" + orderID + "|")
}

// deleteItemRows removes every projection row under a key prefix
func deleteItemRows(tx *bbolt.Tx, prefix []byte) error {
	bucket := tx.Bucket([]byte(lineItemBucketName))
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// replaceItemRows rewrites the reporting projection for a receipt: delete
// every row under the receipt's key prefix, then write the current items
func replaceItemRows(tx *bbolt.Tx, r *Receipt) error {
	bucket := tx.Bucket([]byte(lineItemBucketName))
	prefix := itemRowPrefix(r.Merchant, r.PaymentID, r.OrderID)
	if err := deleteItemRows(tx, prefix); err != nil {
		return err
	}

	for i, item := range r.Items {
		row := ItemRow{
			ReceiptID: r.ID,
			Merchant:  string(r.Merchant),
			PaymentID: r.PaymentID,
			OrderID:   r.OrderID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshaling item row: %w", err)
		}
		key := append(append([]byte{}, prefix...), []byte(strconv.Itoa(i))...)
		if err := bucket.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptBucketName)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// findByIndex resolves a receipt through one of the key index buckets
func (b *BoltDB) findByIndex(bucketName string, merchant Merchant, key string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucketName)).Get([]byte(indexKey(merchant, key)))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket([]byte(receiptBucketName)).Get(id)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// FindByPaymentID looks up the receipt for a provider payment identifier
func (b *BoltDB) FindByPaymentID(merchant Merchant, paymentID string) (*Receipt, error) {
	return b.findByIndex(paymentIndexBucketName, merchant, paymentID)
}

// FindByOrderID looks up the receipt linked to a provider order identifier
func (b *BoltDB) FindByOrderID(merchant Merchant, orderID string) (*Receipt, error) {
	return b.findByIndex(orderIndexBucketName, merchant, orderID)
}

// MostRecent returns the most recently created receipt for a merchant
func (b *BoltDB) MostRecent(merchant Merchant) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket([]byte(receiptBucketName))
		c := tx.Bucket([]byte(createdIndexBucketName)).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			data := receipts.Get(id)
			if data == nil {
				continue
			}
			var r Receipt
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if r.Merchant == merchant {
				receipt = &r
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// UpdateReceipt applies mutate to the stored receipt and persists the result
func (b *BoltDB) UpdateReceipt(id string, mutate func(*Receipt) error) (*Receipt, error) {
	var updated *Receipt
	err := b.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptBucketName)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var r Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}
		before := r.Clone()
		if err := mutate(&r); err != nil {
			return err
		}
		if err := putReceipt(tx, &r); err != nil {
			return err
		}
		keyChanged := before.PaymentID != r.PaymentID || before.OrderID != r.OrderID
		if keyChanged {
			// Rows move to a new key prefix; drop the old ones first
			if err := deleteItemRows(tx, itemRowPrefix(before.Merchant, before.PaymentID, before.OrderID)); err != nil {
				return err
			}
		}
		if keyChanged || !reflect.DeepEqual(before.Items, r.Items) {
			if err := replaceItemRows(tx, &r); err != nil {
				return err
			}
		}
		updated = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListReceipts returns all receipts in creation order
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(receiptBucketName))
		return tx.Bucket([]byte(createdIndexBucketName)).ForEach(func(k, id []byte) error {
			data := records.Get(id)
			if data == nil {
				return nil
			}
			var receipt Receipt
			if err := json.Unmarshal(data, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// ListItemRows returns the reporting projection rows for all receipts
func (b *BoltDB) ListItemRows() ([]ItemRow, error) {
	rows := make([]ItemRow, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(lineItemBucketName)).ForEach(func(k, v []byte) error {
			var row ItemRow
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshaling item row: %w", err)
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// HasSeen reports whether an event identifier was already processed
func (b *BoltDB) HasSeen(eventID string) (bool, error) {
	var seen bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		seen = tx.Bucket([]byte(eventBucketName)).Get([]byte(eventID)) != nil
		return nil
	})
	return seen, err
}

// MarkSeen records an event identifier as processed
func (b *BoltDB) MarkSeen(eventID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(eventBucketName)).Put([]byte(eventID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// HasOrder reports whether an order identifier is already bound to a receipt
func (b *BoltDB) HasOrder(merchant Merchant, orderID string) (bool, error) {
	var bound bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bound = tx.Bucket([]byte(orderGuardBucketName)).Get([]byte(indexKey(merchant, orderID))) != nil
		return nil
	})
	return bound, err
}

// MarkOrder records an order identifier as bound to a receipt
func (b *BoltDB) MarkOrder(merchant Merchant, orderID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(orderGuardBucketName)).Put([]byte(indexKey(merchant, orderID)), []byte("1"))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
