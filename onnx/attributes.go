package onnx

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// AttributeType mirrors ONNX AttributeProto.AttributeType for the attribute kinds the lowering uses.
type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
)

// String implements fmt.Stringer.
func (t AttributeType) String() string {
	switch t {
	case AttributeFloat:
		return "FLOAT"
	case AttributeInt:
		return "INT"
	default:
		return fmt.Sprintf("AttributeType(%d)", int32(t))
	}
}

// Attribute is a node attribute. Only the field matching Type is meaningful.
type Attribute struct {
	Name string
	Type AttributeType
	I    int64
	F    float32
}

// IntAttr creates an INT attribute.
func IntAttr(name string, value int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInt, I: value}
}

// FloatAttr creates a FLOAT attribute.
func FloatAttr(name string, value float32) *Attribute {
	return &Attribute{Name: name, Type: AttributeFloat, F: value}
}

// GetNodeAttr returns the given node attribute. If required is true, it will panic with a message about
// the missing attribute.
func GetNodeAttr(node *Node, name string, required bool) *Attribute {
	for _, attr := range node.attributes {
		if attr.Name == name {
			return attr
		}
	}
	if required {
		exceptions.Panicf("ONNX %s is missing required attribute %q", node, name)
	}
	return nil
}

// HasAttr returns whether the node has the attribute set.
func HasAttr(node *Node, name string) bool {
	return GetNodeAttr(node, name, false) != nil
}

func assertNodeAttrType(node *Node, attr *Attribute, attributeType AttributeType) {
	if attr.Type != attributeType {
		exceptions.Panicf("unsupported ONNX attribute %q of type %s in %s", attr.Name, attr.Type, node)
	}
}

// GetIntAttrOr gets an integer attribute for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func GetIntAttrOr(node *Node, attrName string, defaultValue int) int {
	attr := GetNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, AttributeInt)
	return int(attr.I)
}

// GetFloatAttrOr gets a float attribute for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func GetFloatAttrOr(node *Node, attrName string, defaultValue float32) float32 {
	attr := GetNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, AttributeFloat)
	return attr.F
}
