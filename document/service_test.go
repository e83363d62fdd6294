package document

import (
	"context"
	"errors"
	"testing"
	"time"

	"dealflow/deal"
	"dealflow/stage"
	"dealflow/test/infra"
	"dealflow/transition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceGatesOnRequiredKinds(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryRepository(), true)

	ok, err := svc.HasRequiredDocuments(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Attach(ctx, Document{CaseID: "c1", Kind: " Seller_Disclosure ", Filename: "sd.pdf"})
	require.NoError(t, err)
	missing, err := svc.Missing(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"property_photos"}, missing)

	_, err = svc.Attach(ctx, Document{CaseID: "c1", Kind: "property_photos"})
	require.NoError(t, err)
	ok, err = svc.HasRequiredDocuments(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServiceNotEnforced(t *testing.T) {
	ok, err := NewService(NewMemoryRepository(), false).HasRequiredDocuments(context.Background(), "any")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttachReplacesSameKind(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	first, err := repo.Attach(ctx, Document{CaseID: "c1", Kind: "photos", Filename: "a.zip"})
	require.NoError(t, err)
	second, err := repo.Attach(ctx, Document{CaseID: "c1", Kind: "PHOTOS", Filename: "b.zip"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	docs, err := repo.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.zip", docs[0].Filename)

	_, err = repo.Attach(ctx, Document{CaseID: "c1"})
	assert.ErrorIs(t, err, ErrKindRequired)
}

func TestServiceDrivesDocumentsGate(t *testing.T) {
	ctx := context.Background()
	store := deal.NewMemoryStore()
	docs := NewService(NewMemoryRepository(), true, "deed")
	engine := transition.New(store, transition.WithDocumentCheck(docs))
	c, err := store.Create(ctx, deal.CreateParams{CreatedBy: "op"})
	require.NoError(t, err)

	_, err = engine.AttemptAdvance(ctx, c.ID, transition.Inputs{})
	require.ErrorIs(t, err, transition.ErrIncomplete)

	_, err = docs.Attach(ctx, Document{CaseID: c.ID, Kind: "deed"})
	require.NoError(t, err)
	out, err := engine.AttemptAdvance(ctx, c.ID, transition.Inputs{})
	require.NoError(t, err)
	assert.Equal(t, stage.Initial, out.To)
}

func TestRepository_Integration(t *testing.T) {
	pool := infra.OpenTestPool(t)
	repo := NewRepository(pool)
	cases := deal.NewPGStore(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := cases.Create(ctx, deal.CreateParams{Address: "1 Dock Rd", CreatedBy: "op"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if _, err := repo.Attach(ctx, Document{CaseID: "00000000-0000-0000-0000-000000000000", Kind: "deed"}); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected case not found, got %v", err)
	}
	first, err := repo.Attach(ctx, Document{CaseID: c.ID, Kind: "deed", Filename: "v1.pdf", UploadedBy: "op"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	second, err := repo.Attach(ctx, Document{CaseID: c.ID, Kind: "deed", Filename: "v2.pdf", UploadedBy: "op"})
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected upsert to keep id %s, got %s", first.ID, second.ID)
	}
	if _, err := repo.Attach(ctx, Document{CaseID: c.ID, Kind: "appraisal"}); err != nil {
		t.Fatalf("attach appraisal: %v", err)
	}

	docs, err := repo.List(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 || docs[0].Kind != "appraisal" || docs[1].Filename != "v2.pdf" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
}
