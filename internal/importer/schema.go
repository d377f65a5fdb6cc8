package importer

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"annexe/internal/apperrors"
)

//go:embed schema.cue
var schemaSource []byte

// ValidateSchema checks the document shape against the embedded CUE
// definition #Document.
func ValidateSchema(doc Document) error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile authoring schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Document"))
	if !def.Exists() {
		return fmt.Errorf("authoring schema has no #Document definition")
	}
	val := ctx.Encode(doc.normalized())
	if err := val.Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, fmt.Sprintf("encode document: %v", err), err)
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, fmt.Sprintf("document does not match schema: %v", err), err)
	}
	return nil
}
