package shared

import "fmt"

// RefType names the business event a ledger row points at.
type RefType string

const (
	RefOrder               RefType = "order"
	RefExpense             RefType = "expense"
	RefInvoice             RefType = "invoice"
	RefTransaction         RefType = "transaction"
	RefPartnerTransaction  RefType = "partner_transaction"
	RefSupplierTransaction RefType = "supplier_transaction"
	RefPartnerInvoice      RefType = "partner_invoice"
	RefSupplierInvoice     RefType = "supplier_invoice"
)

// Reference is a closed union over the events a transfer or journal row can
// reference. Only the types declared in this file implement it.
type Reference interface {
	RefType() RefType
	RefID() int64
	isReference()
}

type (
	OrderRef               int64
	ExpenseRef             int64
	InvoiceRef             int64
	TransactionRef         int64
	PartnerTransactionRef  int64
	SupplierTransactionRef int64
	PartnerInvoiceRef      int64
	SupplierInvoiceRef     int64
)

func (r OrderRef) RefType() RefType               { return RefOrder }
func (r ExpenseRef) RefType() RefType             { return RefExpense }
func (r InvoiceRef) RefType() RefType             { return RefInvoice }
func (r TransactionRef) RefType() RefType         { return RefTransaction }
func (r PartnerTransactionRef) RefType() RefType  { return RefPartnerTransaction }
func (r SupplierTransactionRef) RefType() RefType { return RefSupplierTransaction }
func (r PartnerInvoiceRef) RefType() RefType      { return RefPartnerInvoice }
func (r SupplierInvoiceRef) RefType() RefType     { return RefSupplierInvoice }

func (r OrderRef) RefID() int64               { return int64(r) }
func (r ExpenseRef) RefID() int64             { return int64(r) }
func (r InvoiceRef) RefID() int64             { return int64(r) }
func (r TransactionRef) RefID() int64         { return int64(r) }
func (r PartnerTransactionRef) RefID() int64  { return int64(r) }
func (r SupplierTransactionRef) RefID() int64 { return int64(r) }
func (r PartnerInvoiceRef) RefID() int64      { return int64(r) }
func (r SupplierInvoiceRef) RefID() int64     { return int64(r) }

func (OrderRef) isReference()               {}
func (ExpenseRef) isReference()             {}
func (InvoiceRef) isReference()             {}
func (TransactionRef) isReference()         {}
func (PartnerTransactionRef) isReference()  {}
func (SupplierTransactionRef) isReference() {}
func (PartnerInvoiceRef) isReference()      {}
func (SupplierInvoiceRef) isReference()     {}

// NewReference rebuilds a reference from its persisted columns.
func NewReference(t RefType, id int64) (Reference, error) {
	switch t {
	case RefOrder:
		return OrderRef(id), nil
	case RefExpense:
		return ExpenseRef(id), nil
	case RefInvoice:
		return InvoiceRef(id), nil
	case RefTransaction:
		return TransactionRef(id), nil
	case RefPartnerTransaction:
		return PartnerTransactionRef(id), nil
	case RefSupplierTransaction:
		return SupplierTransactionRef(id), nil
	case RefPartnerInvoice:
		return PartnerInvoiceRef(id), nil
	case RefSupplierInvoice:
		return SupplierInvoiceRef(id), nil
	default:
		return nil, fmt.Errorf("shared: unknown reference type %q", t)
	}
}

// RefColumns splits a reference into nullable column values.
func RefColumns(ref Reference) (*string, *int64) {
	if ref == nil {
		return nil, nil
	}
	t := string(ref.RefType())
	id := ref.RefID()
	return &t, &id
}

// ScanReference is the inverse of RefColumns.
func ScanReference(t *string, id *int64) (Reference, error) {
	if t == nil || id == nil {
		return nil, nil
	}
	return NewReference(RefType(*t), *id)
}

// IsReceiptReference reports whether ref points at a customer or counterparty
// money movement whose cash leg must be unwound through its owner.
func IsReceiptReference(ref Reference) bool {
	switch ref.(type) {
	case TransactionRef, PartnerTransactionRef, SupplierTransactionRef, PartnerInvoiceRef, SupplierInvoiceRef:
		return true
	case OrderRef, ExpenseRef, InvoiceRef, nil:
		return false
	default:
		return false
	}
}
