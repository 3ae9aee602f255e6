package accessor

import (
	"errors"
	"fmt"

	"github.com/arcstep/indexedkv/fieldpath"
	"github.com/arcstep/indexedkv/ikv_errors"
	"github.com/arcstep/indexedkv/schema"
)

func typeErr(seg fieldpath.Segment, desc *schema.Descriptor) error {
	return errors.Join(ikv_errors.ErrPathType,
		fmt.Errorf("segment %s cannot apply to %s", seg, desc.Kind))
}

// ValidatePath checks segments against a declared type, no instance
// needed. Struct attributes must be declared; map keys and list indices
// are accepted for any key/index (the runtime check happens on access);
// Any matches everything. Used at registration so a bad path fails there
// instead of silently under-indexing every later write.
func ValidatePath(desc *schema.Descriptor, segments []fieldpath.Segment) error {
	for _, seg := range segments {
		if desc == nil || desc.Kind == schema.Any {
			return nil
		}
		switch seg.Kind {
		case fieldpath.Sequence:
			if desc.Kind != schema.List {
				return typeErr(seg, desc)
			}
			desc = desc.Elem
		case fieldpath.Mapping:
			if desc.Kind != schema.Map {
				return typeErr(seg, desc)
			}
			desc = desc.Elem
		case fieldpath.Attribute:
			switch desc.Kind {
			case schema.Struct:
				f, ok := desc.Fields[seg.Name]
				if !ok {
					return errors.Join(ikv_errors.ErrPathType,
						fmt.Errorf("no declared field %q", seg.Name))
				}
				desc = f
			case schema.Map:
				desc = desc.Elem
			default:
				return typeErr(seg, desc)
			}
		}
	}
	return nil
}
