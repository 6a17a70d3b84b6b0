package gateway

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/pdv-movel/internal/domain/order"
	"github.com/xenking/pdv-movel/internal/domain/product"
)

// The backend speaks Portuguese field names; the English aliases are
// accepted so the client also works against the newer API surface.

func decodeOrder(data []byte) (order.Snapshot, error) {
	s, err := readOrder(jx.DecodeBytes(data))
	if err != nil {
		return order.Snapshot{}, errors.Wrap(err, "decode order")
	}
	return s, nil
}

func decodeOrders(data []byte) ([]order.Snapshot, error) {
	var out []order.Snapshot
	err := readList(jx.DecodeBytes(data), func(d *jx.Decoder) error {
		s, err := readOrder(d)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode orders")
	}
	return out, nil
}

func decodeProduct(data []byte) (product.Product, error) {
	p, err := readProduct(jx.DecodeBytes(data))
	if err != nil {
		return product.Product{}, errors.Wrap(err, "decode product")
	}
	return p, nil
}

func decodeProducts(data []byte) ([]product.Product, error) {
	var out []product.Product
	err := readList(jx.DecodeBytes(data), func(d *jx.Decoder) error {
		p, err := readProduct(d)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode products")
	}
	return out, nil
}

// readList accepts either a bare array or a paginated {"results": [...]}.
func readList(d *jx.Decoder, each func(d *jx.Decoder) error) error {
	switch tt := d.Next(); tt {
	case jx.Array:
		return d.Arr(each)
	case jx.Object:
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) == "results" && d.Next() == jx.Array {
				return d.Arr(each)
			}
			return d.Skip()
		})
	default:
		return errors.Errorf("unexpected %s, want list", tt)
	}
}

func readOrder(d *jx.Decoder) (order.Snapshot, error) {
	s := order.Snapshot{Items: []order.Item{}}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			s.ID, err = readID(d)
		case "numero", "number":
			s.Number, err = readString(d)
		case "status":
			s.Status, err = readString(d)
		case "itens", "items":
			err = d.Arr(func(d *jx.Decoder) error {
				it, err := readItem(d)
				if err != nil {
					return err
				}
				s.Items = append(s.Items, it)
				return nil
			})
		case "valor_desconto", "discount":
			s.Discount, err = readDecimal(d)
		case "valor_total", "total":
			s.Total, err = readDecimal(d)
		case "forma_pagamento_pretendida", "paymentMethod":
			var v string
			v, err = readString(d)
			s.PaymentMethod = order.PaymentMethod(v)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	return s, err
}

func readItem(d *jx.Decoder) (order.Item, error) {
	var it order.Item
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			it.ID, err = readID(d)
		case "produto", "productId":
			it.ProductID, err = readID(d)
		case "produto_descricao", "description":
			it.Description, err = readString(d)
		case "quantidade", "quantity":
			it.Quantity, err = readDecimal(d)
		case "preco_unitario", "unitPrice":
			it.UnitPrice, err = readDecimal(d)
		case "desconto", "discount":
			it.Discount, err = readDecimal(d)
		case "total":
			it.Total, err = readDecimal(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	return it, err
}

func readProduct(d *jx.Decoder) (product.Product, error) {
	var p product.Product
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = readID(d)
		case "codigo_interno", "code":
			p.Code, err = readString(d)
		case "codigo_barras", "barcode":
			p.Barcode, err = readString(d)
		case "descricao", "description":
			p.Description, err = readString(d)
		case "preco_venda_sugerido", "suggestedPrice":
			p.SuggestedPrice, err = readDecimal(d)
		case "unidade_comercial", "unit":
			p.Unit, err = readString(d)
		case "estoque_disponivel", "stock":
			p.Stock, err = readDecimal(d)
		case "categoria_nome", "category":
			p.Category, err = readString(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	return p, err
}

// readID reads an identifier sent either as a number or a string.
func readID(d *jx.Decoder) (string, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		return string(n), err
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.Errorf("unexpected %s for id", tt)
	}
}

func readString(d *jx.Decoder) (string, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		return d.Str()
	case jx.Null:
		return "", d.Null()
	case jx.Number:
		n, err := d.Num()
		return string(n), err
	default:
		return "", errors.Errorf("unexpected %s for string", tt)
	}
}

// readDecimal reads DRF decimals (strings) as well as plain JSON numbers.
func readDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		s, err := d.Str()
		if err != nil || s == "" {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(string(n))
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		return decimal.Zero, errors.Errorf("unexpected %s for decimal", tt)
	}
}

// writeID emits numeric ids as JSON numbers, anything else as a string.
func writeID(e *jx.Encoder, id string) {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		e.Int64(n)
		return
	}
	e.Str(id)
}

func encodeNewOrder(note string) []byte {
	var e jx.Encoder
	e.ObjStart()
	if note != "" {
		e.FieldStart("observacoes")
		e.Str(note)
	}
	e.ObjEnd()
	return e.Bytes()
}

func encodeAddItem(req AddItemRequest) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("produto")
	writeID(&e, req.ProductID)
	e.FieldStart("quantidade")
	e.Str(req.Quantity.String())
	e.FieldStart("preco_unitario")
	e.Str(req.UnitPrice.String())
	e.FieldStart("desconto")
	e.Str(req.Discount.StringFixed(2))
	if req.Barcode != "" {
		e.FieldStart("codigo_barras_usado")
		e.Str(req.Barcode)
	}
	e.ObjEnd()
	return e.Bytes()
}

func encodeRemoveItem(itemID string) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("item_id")
	writeID(&e, itemID)
	e.ObjEnd()
	return e.Bytes()
}

func encodePatch(p OrderPatch) []byte {
	var e jx.Encoder
	e.ObjStart()
	if p.PaymentMethod != nil {
		e.FieldStart("forma_pagamento_pretendida")
		e.Str(string(*p.PaymentMethod))
	}
	if p.Notes != nil {
		e.FieldStart("observacoes")
		e.Str(*p.Notes)
	}
	if p.CustomerID != nil {
		e.FieldStart("cliente")
		writeID(&e, *p.CustomerID)
	}
	e.ObjEnd()
	return e.Bytes()
}
