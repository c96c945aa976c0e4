// Package prompts builds the system and user messages for answer generation.
// The system prompt carries the citation contract that the validator later
// enforces.
package prompts

import (
	"fmt"
	"strings"

	"github.com/hsn0918/docqa/internal/clients/openai"
)

// Absent-answer phrases. The classifier and the repair fallback both rely on
// these exact strings.
const (
	AbsentPhrase         = "Esta información no se encuentra en los documentos"
	AbsentPhraseNoDetail = "No especificado en los documentos proporcionados."
)

// MaxHistoryMessages of conversation history go into the user message.
const MaxHistoryMessages = 6

const systemPrompt = `Eres un asistente que responde preguntas usando EXCLUSIVAMENTE los extractos de documentos proporcionados.

TIPOS DE RESPUESTA:
1. VALOR EXPLÍCITO: si los documentos contienen el dato exacto, respóndelo de forma directa.
2. REGLA/ESTRUCTURA: si los documentos describen una regla, procedimiento o lista, resúmela fielmente sin inventar elementos.
3. AUSENTE: si la información no aparece en los extractos, responde exactamente: "` + AbsentPhrase + `" o "` + AbsentPhraseNoDetail + `". No especules.

CITAS OBLIGATORIAS (excepto en respuestas AUSENTES):
Termina la respuesta con una sección que empiece con "Fuente:" seguida de viñetas, EXACTAMENTE UNA viñeta por página citada, con este formato:
- Página <N> — "<cita literal de 4 a 15 palabras>"

REGLAS DE CITA:
- La cita debe ser una copia VERBATIM y contigua del extracto mostrado, sin cambios de acentos ni puntuación.
- Prohibido usar puntos suspensivos ("...") o marcadores de recorte dentro de la cita.
- No cites páginas que no aparezcan en los extractos.
- Nunca inventes números de página.`

// Build assembles the generation messages. History and previousQuestion are
// optional; history beyond MaxHistoryMessages is dropped oldest-first.
func Build(context string, sections int, question, previousQuestion string, history []openai.Message) []openai.Message {
	var sb strings.Builder

	fmt.Fprintf(&sb, "=== DOCUMENT EXCERPTS (%d sections) ===\n\n%s\n\n=== FIN DE EXTRACTOS ===\n\n", sections, context)

	if len(history) > 0 {
		if len(history) > MaxHistoryMessages {
			history = history[len(history)-MaxHistoryMessages:]
		}
		sb.WriteString("Conversación previa:\n")
		for _, m := range history {
			role := "Usuario"
			if m.Role == "assistant" {
				role = "Asistente"
			}
			fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
		}
		sb.WriteString("\n")
	}

	if previousQuestion != "" {
		fmt.Fprintf(&sb, "Pregunta anterior: %s\n\n", previousQuestion)
	}

	fmt.Fprintf(&sb, "Pregunta: %s", question)

	return []openai.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// BuildRepair produces the corrective round-trip messages. availableKeys
// enumerates the citable page keys; reasons lists the per-citation failures.
func BuildRepair(original []openai.Message, badAnswer string, availableKeys []string, reasons []string) []openai.Message {
	var sb strings.Builder
	sb.WriteString("Tu respuesta anterior tiene citas inválidas y debe corregirse.\n\n")
	sb.WriteString("Respuesta anterior:\n" + badAnswer + "\n\n")

	if len(reasons) > 0 {
		sb.WriteString("Problemas detectados:\n")
		for _, r := range reasons {
			sb.WriteString("- " + r + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Páginas disponibles para citar: " + strings.Join(availableKeys, ", ") + "\n\n")
	sb.WriteString("Reescribe la respuesta completa manteniendo el contenido correcto, con una sección \"Fuente:\" cuyas citas sean copias literales de 4 a 15 palabras de los extractos mostrados. Si no puedes citar literalmente, responde: \"" + AbsentPhrase + "\".")

	out := append([]openai.Message(nil), original...)
	out = append(out,
		openai.Message{Role: "assistant", Content: badAnswer},
		openai.Message{Role: "user", Content: sb.String()},
	)
	return out
}
