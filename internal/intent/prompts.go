package intent

// Prompt templates are fixed; the surrounding classification logic treats
// the generation service as an opaque collaborator that must answer with
// the JSON object described here.

const classifierPrompt = `Eres un clasificador de intenciones para un asistente de atención ciudadana.
Analiza el mensaje del usuario y devuelve únicamente un objeto JSON:

{"intent": "código", "confidence": 0.0-1.0, "reasoning": "explicación breve", "detected_keywords": ["palabra1", "palabra2"]}

Códigos disponibles: tramite_buscar, tramite_requisitos, tramite_costo,
tramite_plazo, tramite_oficina, tramite_estado, pqrsd_crear, pqrsd_estado,
pqrsd_tipos, programa_buscar, programa_elegibilidad, programa_inscripcion,
programa_beneficios, notificacion_pico_placa, notificacion_cierre_vial,
notificacion_evento, notificacion_alerta, saludo, despedida, agradecimiento,
ayuda, human_escalation, clarificacion.

Historial reciente:
%s

MENSAJE: "%s"`

const clarificationPrompt = `Eres un asistente que pide aclaraciones cuando la intención del usuario es ambigua.
Haz 1-2 preguntas específicas y devuelve únicamente un objeto JSON:

{"questions": ["Pregunta 1", "Pregunta 2"], "suggested_intents": ["intención1", "intención2"], "reasoning": "por qué necesitas aclaración"}

Mensaje del usuario: "%s"
Historial reciente:
%s
Confianza medida: %.2f`

const escalationPrompt = `Eres un detector de escalación humana. Identifica solicitudes explícitas de
atención humana, frustración, urgencia extrema o emociones intensas.
Devuelve únicamente un objeto JSON:

{"escalate": true|false, "confidence": 0.0-1.0, "reasons": ["razón1"], "urgency": "alta|media|baja"}

Mensaje a evaluar: "%s"
Historial reciente:
%s`
