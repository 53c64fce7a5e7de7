package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// System prompts for the four agents. Each agent answers with pure JSON;
// the runner's tolerant parser strips fences when a model adds them anyway.

const classifierSystemPrompt = `Sei un esperto legale italiano con profonda conoscenza del diritto civile, commerciale e amministrativo. Classifica il documento fornito con la massima precisione giuridica.

NON limitarti al tipo di documento generico. Identifica il sotto-tipo specifico, gli ISTITUTI GIURIDICI presenti e le AREE DI FOCUS LEGALE per guidare l'analisi successiva.

IMPORTANTE: Rispondi ESCLUSIVAMENTE con JSON puro. La tua risposta deve iniziare con { e finire con }.

Formato richiesto:
{
  "documentType": "contratto_preliminare_vendita_immobile_da_costruire",
  "documentTypeLabel": "Contratto Preliminare di Vendita di Immobile da Costruire",
  "documentSubType": "vendita_a_corpo",
  "parties": [{ "role": "promittente_venditore", "name": "Costruzioni SRL", "type": "persona_giuridica" }],
  "jurisdiction": "Italia - Diritto Civile",
  "applicableLaws": [{ "reference": "Art. 1537-1538 c.c.", "name": "Vendita a corpo" }],
  "relevantInstitutes": ["vendita_a_corpo", "caparra_confirmatoria"],
  "legalFocusAreas": ["diritto_immobiliare"],
  "keyDates": [{ "date": "2025-04-01", "description": "Termine consegna" }],
  "summary": "Riassunto di 2-3 frasi max con gli elementi giuridicamente rilevanti.",
  "confidence": 0.92
}

REGOLE:
- Identifica SEMPRE il documentSubType; se non determinabile usa null.
- relevantInstitutes: TUTTI gli istituti giuridici presenti o richiamati, in snake_case.
- applicableLaws: articoli specifici c.c. e leggi speciali, sii preciso.`

const analyzerSystemPrompt = `Sei un avvocato italiano esperto in revisione contrattuale. Esamina il documento clausola per clausola e individua ogni profilo di rischio per la parte debole.

IMPORTANTE: Rispondi ESCLUSIVAMENTE con JSON puro, iniziando con { e finendo con }.

Formato richiesto:
{
  "clauses": [{
    "id": "c1",
    "title": "Clausola penale",
    "riskLevel": "critical|high|medium|low",
    "issue": "Descrizione del problema",
    "potentialViolation": "Norma potenzialmente violata",
    "marketStandard": "Prassi di mercato",
    "recommendation": "Come intervenire",
    "originalText": "Testo della clausola"
  }],
  "overallAssessment": "Valutazione complessiva in 2-3 frasi"
}

REGOLE:
- Valuta OGNI clausola rilevante, non solo le peggiori.
- Usa il CONTESTO NORMATIVO fornito per motivare potentialViolation con riferimenti puntuali.
- riskLevel critical solo per clausole nulle o gravemente vessatorie.`

const investigatorSystemPrompt = `Sei un ricercatore legale italiano. Per ogni clausola critical e high trova le norme applicabili e le sentenze rilevanti.

IMPORTANTE: Rispondi ESCLUSIVAMENTE con JSON puro, iniziando con { e finendo con }.

Formato richiesto:
{
  "findings": [{
    "clauseId": "c1",
    "laws": [{ "reference": "art. 1384 c.c.", "fullText": "...", "isInForce": true, "sourceUrl": "..." }],
    "courtCases": [{ "reference": "Cass. civ. 12345/2020", "court": "Cassazione", "date": "2020-05-12", "summary": "...", "relevance": "..." }]
  }]
}

REGOLE:
- Copri TUTTE le clausole critical e high, le medium se possibile.
- Cita solo norme e sentenze verificabili; niente riferimenti inventati.`

const advisorSystemPrompt = `Sei un consulente legale italiano. Sintetizza classificazione, analisi e ricerca normativa in un parere chiaro per un non giurista.

IMPORTANTE: Rispondi ESCLUSIVAMENTE con JSON puro, iniziando con { e finendo con }.

Formato richiesto:
{
  "fairnessScore": 6,
  "summary": "Parere sintetico in linguaggio semplice",
  "risks": [{
    "title": "Penale non riducibile",
    "severity": "critical|high|medium|low",
    "detail": "Spiegazione del rischio",
    "legalBasis": "art. 1384 c.c.",
    "courtCase": "Cass. civ. 12345/2020"
  }],
  "negotiationPoints": ["Punto da rinegoziare"],
  "nextSteps": ["Azione concreta consigliata"]
}

REGOLE:
- fairnessScore da 1 (gravemente squilibrato) a 10 (equilibrato).
- Ogni rischio deve citare la sua base legale.`

// Classification fields the later prompts and the retrieval stage read.
type classificationSummary struct {
	DocumentType       string `json:"documentType"`
	DocumentTypeLabel  string `json:"documentTypeLabel"`
	DocumentSubType    string `json:"documentSubType"`
	Jurisdiction       string `json:"jurisdiction"`
	Summary            string `json:"summary"`
	RelevantInstitutes []string `json:"relevantInstitutes"`
	ApplicableLaws     []struct {
		Reference string `json:"reference"`
		Name      string `json:"name"`
	} `json:"applicableLaws"`
}

type analysisSummary struct {
	Clauses []struct {
		ID           string `json:"id"`
		Title        string `json:"title"`
		RiskLevel    string `json:"riskLevel"`
		Issue        string `json:"issue"`
		OriginalText string `json:"originalText"`
	} `json:"clauses"`
}

func decodeClassification(raw json.RawMessage) classificationSummary {
	var cls classificationSummary
	_ = json.Unmarshal(raw, &cls)
	return cls
}

func decodeAnalysis(raw json.RawMessage) analysisSummary {
	var ana analysisSummary
	_ = json.Unmarshal(raw, &ana)
	return ana
}

func classifierPrompt(documentText, userContext string) string {
	var sb strings.Builder
	sb.WriteString(classifierSystemPrompt)
	sb.WriteString("\n\nDOCUMENTO:\n")
	sb.WriteString(documentText)
	if userContext != "" {
		sb.WriteString("\n\nCONTESTO FORNITO DALL'UTENTE:\n")
		sb.WriteString(userContext)
	}
	return sb.String()
}

func analyzerPrompt(documentText string, classification json.RawMessage, legalContext string) string {
	cls := decodeClassification(classification)
	var sb strings.Builder
	sb.WriteString(analyzerSystemPrompt)
	fmt.Fprintf(&sb, "\n\nDocumento: %s (%s)\n", cls.DocumentTypeLabel, cls.Jurisdiction)
	if len(cls.RelevantInstitutes) > 0 {
		fmt.Fprintf(&sb, "Istituti giuridici: %s\n", strings.Join(cls.RelevantInstitutes, ", "))
	}
	if legalContext != "" {
		sb.WriteString("\n")
		sb.WriteString(legalContext)
	}
	sb.WriteString("\nDOCUMENTO:\n")
	sb.WriteString(documentText)
	return sb.String()
}

func investigatorPrompt(classification, analysis json.RawMessage, legalContext, ragContext string) string {
	cls := decodeClassification(classification)
	ana := decodeAnalysis(analysis)

	var criticalAndHigh, medium []json.RawMessage
	for _, clause := range ana.Clauses {
		encoded, err := json.Marshal(clause)
		if err != nil {
			continue
		}
		switch clause.RiskLevel {
		case "critical", "high":
			criticalAndHigh = append(criticalAndHigh, encoded)
		case "medium":
			medium = append(medium, encoded)
		}
	}

	var sb strings.Builder
	sb.WriteString(investigatorSystemPrompt)
	fmt.Fprintf(&sb, "\n\nDocumento: %s (%s)\n", cls.DocumentTypeLabel, cls.Jurisdiction)
	if cls.DocumentSubType != "" {
		fmt.Fprintf(&sb, "Sotto-tipo: %s\n", cls.DocumentSubType)
	}
	if len(cls.RelevantInstitutes) > 0 {
		fmt.Fprintf(&sb, "Istituti giuridici: %s\n", strings.Join(cls.RelevantInstitutes, ", "))
	}
	if len(cls.ApplicableLaws) > 0 {
		refs := make([]string, len(cls.ApplicableLaws))
		for i, law := range cls.ApplicableLaws {
			refs[i] = law.Reference
		}
		fmt.Fprintf(&sb, "Leggi applicabili: %s\n", strings.Join(refs, ", "))
	}
	if legalContext != "" {
		sb.WriteString("\n")
		sb.WriteString(legalContext)
		sb.WriteString("\n")
	}
	if ragContext != "" {
		sb.WriteString("\n")
		sb.WriteString(ragContext)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nClausole CRITICAL e HIGH (obbligatorio coprire TUTTE): %s\n", joinRaw(criticalAndHigh))
	if len(medium) > 0 {
		fmt.Fprintf(&sb, "\nClausole MEDIUM (coprire se possibile): %s\n", joinRaw(medium))
	}
	sb.WriteString("\nCerca norme e sentenze per OGNI clausola critical e high. Non saltarne nessuna.")
	return sb.String()
}

func advisorPrompt(classification, analysis, investigation json.RawMessage) string {
	cls := decodeClassification(classification)
	var sb strings.Builder
	sb.WriteString(advisorSystemPrompt)
	fmt.Fprintf(&sb, "\n\nDocumento: %s (%s)\n", cls.DocumentTypeLabel, cls.Jurisdiction)
	if cls.Summary != "" {
		fmt.Fprintf(&sb, "Sintesi: %s\n", cls.Summary)
	}
	fmt.Fprintf(&sb, "\nANALISI CLAUSOLE:\n%s\n", string(analysis))
	fmt.Fprintf(&sb, "\nRICERCA NORMATIVA:\n%s\n", string(investigation))
	return sb.String()
}

func joinRaw(items []json.RawMessage) string {
	if len(items) == 0 {
		return "[]"
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = string(item)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
