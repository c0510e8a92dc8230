package types

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// BSON support for ConnID, so hosts persisting connection audit records can
// store identities without a wrapper type.

func (c ConnID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(string(c))
}

func (c *ConnID) UnmarshalBSONValue(b bsontype.Type, bytes []byte) error {
	var s = new(string)

	if err := bson.UnmarshalValue(b, bytes, s); err != nil {
		return err
	}

	*c = ConnID(*s)

	return nil
}
