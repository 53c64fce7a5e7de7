package corpus

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestMemSearcherInstituteFilter(t *testing.T) {
	s, err := NewMemSearcher()
	if err != nil {
		t.Fatalf("new searcher: %v", err)
	}
	seed := []Article{
		{Source: "codice_civile", Reference: "art. 1571", Heading: "Nozione", Text: "La locazione e il contratto col quale una parte si obbliga a far godere", Institute: "locazione"},
		{Source: "codice_civile", Reference: "art. 1174", Heading: "Carattere patrimoniale", Text: "La prestazione che forma oggetto della obbligazione", Institute: "obbligazione"},
		{Source: "codice_civile", Reference: "art. 1575", Heading: "Obbligazioni principali", Text: "Il locatore deve consegnare al conduttore la cosa locata", Institute: "locazione"},
	}
	for _, a := range seed {
		if err := s.Add(a); err != nil {
			t.Fatalf("add %s: %v", a.Reference, err)
		}
	}

	hits, err := s.SearchInstitute(context.Background(), "locazione", "locatore cosa locata", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits for locazione")
	}
	for _, h := range hits {
		if h.Reference == "art. 1174" {
			t.Fatal("institute filter leaked another institute's article")
		}
	}
	if hits[0].Similarity <= 0 || hits[0].Similarity > 1 {
		t.Fatalf("similarity should be normalized to (0,1], got %f", hits[0].Similarity)
	}
}

func TestMemSearcherBestHitFirst(t *testing.T) {
	s, err := NewMemSearcher()
	if err != nil {
		t.Fatalf("new searcher: %v", err)
	}
	_ = s.Add(Article{Source: "cc", Reference: "a1", Text: "recesso anticipato dal contratto di locazione", Institute: "locazione"})
	_ = s.Add(Article{Source: "cc", Reference: "a2", Text: "vendita di beni mobili registrati", Institute: "vendita"})

	hits, err := s.Search(context.Background(), "recesso anticipato locazione", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 || hits[0].Reference != "a1" {
		t.Fatalf("expected a1 first, got %+v", hits)
	}
	if hits[0].Similarity != 1.0 {
		t.Fatalf("best hit should normalize to 1.0, got %f", hits[0].Similarity)
	}
}

type staticEmbedder struct {
	vec []float32
}

func (s staticEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = s.vec
	}
	return out, nil
}

func TestPGSearcherRanksByCosine(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	near, _ := json.Marshal([]float32{1, 0})
	far, _ := json.Marshal([]float32{0, 1})
	rows := sqlmock.NewRows([]string{"law_source", "article_reference", "heading", "article_text", "embedding"}).
		AddRow("codice_civile", "art. 2946", "Prescrizione ordinaria", "Salvi i casi in cui la legge dispone diversamente", far).
		AddRow("codice_civile", "art. 1571", "Nozione", "La locazione e il contratto", near)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT law_source, article_reference, COALESCE(heading, ''), article_text, embedding
FROM legal_articles WHERE institute = $1`)).
		WithArgs("locazione").
		WillReturnRows(rows)

	s := NewPGSearcher(db, staticEmbedder{vec: []float32{1, 0}}, "text-embedding-3-small", nil)
	hits, err := s.SearchInstitute(context.Background(), "locazione", "contratto di locazione", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Reference != "art. 1571" {
		t.Fatalf("cosine ranking wrong, got %s first", hits[0].Reference)
	}
	if hits[0].Similarity <= hits[1].Similarity {
		t.Fatalf("similarities not descending: %f vs %f", hits[0].Similarity, hits[1].Similarity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGSearcherLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	vec, _ := json.Marshal([]float32{1})
	rows := sqlmock.NewRows([]string{"law_source", "article_reference", "heading", "article_text", "embedding"})
	for _, ref := range []string{"a1", "a2", "a3"} {
		rows.AddRow("cc", ref, "", "testo", vec)
	}
	mock.ExpectQuery("FROM legal_articles").WillReturnRows(rows)

	s := NewPGSearcher(db, staticEmbedder{vec: []float32{1}}, "text-embedding-3-small", nil)
	hits, err := s.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected limit 2, got %d", len(hits))
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("identical vectors should score ~1, got %f", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors should score 0, got %f", got)
	}
	if got := cosine(nil, []float32{1}); got != 0 {
		t.Fatalf("empty vector should score 0, got %f", got)
	}
}
