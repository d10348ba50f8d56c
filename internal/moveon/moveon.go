// Package moveon evaluates the per-registration satisfaction tree and emits
// satisfied statements for blocks and courses whose children all became
// satisfied. Evaluation is a pure pass over the tree; statement emission is
// sequential afterwards so the algorithm is testable against a fake sink.
package moveon

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/zaqqye/cmi5_player_v1/internal/models"
	"github.com/zaqqye/cmi5_player_v1/internal/xapi"
)

// Node types.
const (
	TypeAU     = "au"
	TypeBlock  = "block"
	TypeCourse = "course"
)

// Node is one entry of the course structure / satisfaction tree. Leaves are
// AUs; blocks and courses carry children.
type Node struct {
	Type      string  `json:"type"`
	LmsID     string  `json:"lmsId"`
	PubID     string  `json:"pubId"`
	Satisfied bool    `json:"satisfied"`
	Children  []*Node `json:"children,omitempty"`
}

// ParseTree deserializes a satisfaction tree from its JSON column form.
func ParseTree(raw []byte) (*Node, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("moveon: empty tree")
	}
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("moveon: parse tree: %w", err)
	}
	return &root, nil
}

// Evaluate flips satisfied flags bottom-up and returns the nodes that
// transitioned, children before parents. Every subtree is visited in full
// rather than short-circuiting on the first unsatisfied child, so all nodes
// that just became satisfied are collected in one pass. A leaf is satisfied
// if it already was or its lmsId equals auLmsID; an interior node iff all of
// its children are satisfied.
func Evaluate(root *Node, auLmsID string) []*Node {
	var newly []*Node
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		if n.Type == TypeAU || len(n.Children) == 0 {
			if !n.Satisfied && n.LmsID == auLmsID {
				n.Satisfied = true
				newly = append(newly, n)
			}
			return n.Satisfied
		}
		all := true
		for _, child := range n.Children {
			if !walk(child) {
				all = false
			}
		}
		if all && !n.Satisfied {
			n.Satisfied = true
			newly = append(newly, n)
		}
		return n.Satisfied
	}
	walk(root)
	return newly
}

// Ancestors returns the block/course nodes on the path from root down to the
// AU leaf with the given lmsId, root first. Used to build grouping context
// for a launch.
func Ancestors(root *Node, auLmsID string) []*Node {
	var path []*Node
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		if n.Type == TypeAU || len(n.Children) == 0 {
			return n.LmsID == auLmsID
		}
		for _, child := range n.Children {
			if walk(child) {
				path = append([]*Node{n}, path...)
				return true
			}
		}
		return false
	}
	walk(root)
	return path
}

// FindAU returns the leaf with the given lmsId, or nil.
func FindAU(root *Node, auLmsID string) *Node {
	if root.Type == TypeAU || len(root.Children) == 0 {
		if root.LmsID == auLmsID {
			return root
		}
		return nil
	}
	for _, child := range root.Children {
		if n := FindAU(child, auLmsID); n != nil {
			return n
		}
	}
	return nil
}

// StatementSender records a single statement. A failed send aborts the
// interpretation so tree bookkeeping never diverges from what was recorded
// externally.
type StatementSender interface {
	SaveStatement(ctx context.Context, st xapi.Statement) error
}

type InterpretOptions struct {
	AuToSetSatisfied string
	SessionCode      string
	Sender           StatementSender
}

// Interpret marks the AU identified by AuToSetSatisfied satisfied in the
// registration's tree, propagates satisfaction upward and emits one satisfied
// statement per block/course that transitions (never for AU leaves).
// Statements go out children before parents, matching causal order. On
// success the mutated tree is written back to reg.MoveOnTree; the caller
// persists the registration inside its own transaction.
func Interpret(ctx context.Context, reg *models.Registration, opts InterpretOptions) error {
	root, err := ParseTree(reg.MoveOnTree)
	if err != nil {
		return err
	}
	if root.Satisfied {
		return nil
	}

	var actor xapi.Agent
	if err := json.Unmarshal(reg.Actor, &actor); err != nil {
		return fmt.Errorf("moveon: parse actor: %w", err)
	}

	newly := Evaluate(root, opts.AuToSetSatisfied)
	for _, n := range newly {
		var activityType string
		switch n.Type {
		case TypeBlock:
			activityType = xapi.ActivityTypeBlock
		case TypeCourse:
			activityType = xapi.ActivityTypeCourse
		default:
			// AU satisfaction has no statement of its own.
			continue
		}
		st := xapi.NewSatisfied(actor, reg.Code, n.PubID, activityType, opts.SessionCode)
		if err := opts.Sender.SaveStatement(ctx, st); err != nil {
			return fmt.Errorf("moveon: satisfied statement for %s: %w", n.PubID, err)
		}
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("moveon: serialize tree: %w", err)
	}
	reg.MoveOnTree = datatypes.JSON(raw)
	return nil
}
