package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voxmedica/voxmedica/src/flows"
	"github.com/voxmedica/voxmedica/src/logger"
)

// Node names. Handlers hold these keys and resolve successors through the
// registry at dispatch time.
const (
	NodeRouter         = "router"
	NodeGreeting       = "greeting"
	NodeCollectPatient = "collect_patient"
	NodeChooseExam     = "choose_exam"
	NodeOfferSlots     = "offer_slots"
	NodeConfirmBooking = "confirm_booking"
	NodeBookingDone    = "booking_done"
	NodeAPIError       = "api_error"
	NodeGoodbye        = "goodbye"
)

// State keys shared between handlers. The state map is the only medium for
// handlers to pass domain data across nodes.
const (
	StateCurrentAgent  = "current_agent"
	StateCallerPhone   = "caller_phone"
	StatePatientDOB    = "patient_dob"
	StatePatientID     = "patient_id"
	StatePatientName   = "patient_name"
	StateExamCode      = "exam_code"
	StateExamName      = "exam_name"
	StateOfferedSlots  = "offered_slots"
	StateSlotID        = "slot_id"
	StateSlotDate      = "slot_date"
	StateSlotTime      = "slot_time"
	StateReservationID = "reservation_id"
	StateLastError     = "last_error"
)

// Graph wires the clinic node factories into a flow registry. Factories are
// pure over the manager's state map and the graph's closure data.
type Graph struct {
	client   *Client
	registry *flows.Registry
	language string
}

// NewGraph builds the clinic conversation graph against a backend client.
func NewGraph(client *Client, language string) *Graph {
	if language == "" {
		language = "Italian"
	}
	g := &Graph{
		client:   client,
		registry: flows.NewRegistry(),
		language: language,
	}
	g.registry.Register(NodeRouter, g.RouterNode)
	g.registry.Register(NodeGreeting, g.InfoGreetingNode)
	g.registry.Register(NodeCollectPatient, g.CollectPatientNode)
	g.registry.Register(NodeChooseExam, g.ChooseExamNode)
	g.registry.Register(NodeOfferSlots, g.OfferSlotsNode)
	g.registry.Register(NodeConfirmBooking, g.ConfirmBookingNode)
	g.registry.Register(NodeBookingDone, g.BookingDoneNode)
	g.registry.Register(NodeAPIError, g.APIErrorNode)
	g.registry.Register(NodeGoodbye, g.GoodbyeNode)
	return g
}

// Registry exposes the graph's node registry.
func (g *Graph) Registry() *flows.Registry {
	return g.registry
}

// StartNode is the entry node for a new session.
func (g *Graph) StartNode(m *flows.Manager) (*flows.Node, error) {
	return g.registry.Build(NodeRouter, m)
}

func (g *Graph) roleMessages() []string {
	return []string{
		fmt.Sprintf("You are the voice assistant of a medical clinic. Speak %s, be brief and warm, and never read identifiers or codes aloud.", g.language),
		"Express times in spoken form and dates as day and month. State prices with the currency spelled out.",
	}
}

// next resolves a successor node, falling back to the api_error node when the
// registry lookup itself fails.
func (g *Graph) next(m *flows.Manager, name string) *flows.Node {
	node, err := g.registry.Build(name, m)
	if err != nil {
		logger.Error("[Clinic] Building node %s: %v", name, err)
		fallback, ferr := g.registry.Build(NodeAPIError, m)
		if ferr != nil {
			return nil
		}
		return fallback
	}
	return node
}

// failure maps a client error to a tool-result kind and stores it for the
// api_error node's apology.
func (g *Graph) failure(m *flows.Manager, err error) (flows.Result, *flows.Node) {
	kind := "api_error"
	if errors.Is(err, ErrTimeout) {
		kind = "timeout"
	}
	logger.Warn("[Clinic] Backend failure (%s): %v", kind, err)
	m.SetState(StateLastError, kind)
	return flows.Result{"error": kind}, g.next(m, NodeAPIError)
}

// RouterNode decides between the information and the booking track.
func (g *Graph) RouterNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeRouter,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			"Greet the caller and find out whether they want information or to book an exam. Call route_to_info for questions, route_to_booking to book.",
		},
		RespondImmediately: true,
		Functions: []flows.FunctionSchema{
			{
				Name:        "route_to_info",
				Description: "The caller has a question about the clinic, exams, prices or preparation.",
				Properties: map[string]flows.ParameterSpec{
					"user_query": {Type: "string", Description: "The caller's question, verbatim."},
				},
				Required: []string{"user_query"},
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					m.SetState(StateCurrentAgent, "info")
					return flows.Result{"routed": "info"}, g.next(m, NodeGreeting), nil
				},
			},
			{
				Name:        "route_to_booking",
				Description: "The caller wants to book an appointment.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					m.SetState(StateCurrentAgent, "booking")
					return flows.Result{"routed": "booking"}, g.next(m, NodeCollectPatient), nil
				},
			},
		},
	}
}

// InfoGreetingNode answers questions from the knowledge base and prices.
func (g *Graph) InfoGreetingNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeGreeting,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			"Answer the caller's question using answer_question or get_exam_price. Offer to book an appointment when relevant. When the caller is done, call end_call.",
		},
		RespondImmediately: true,
		Functions: []flows.FunctionSchema{
			{
				Name:        "answer_question",
				Description: "Look up the clinic knowledge base for an answer.",
				Properties: map[string]flows.ParameterSpec{
					"question": {Type: "string", Description: "The question to look up."},
				},
				Required: []string{"question"},
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					question := argString(args, "question")
					entries, err := g.client.SearchKnowledge(ctx, question, 3)
					if err != nil {
						result, next := g.failure(m, err)
						return result, next, nil
					}
					if len(entries) == 0 {
						return flows.Result{"answer": "", "found": false}, nil, nil
					}
					snippets := make([]string, 0, len(entries))
					for _, e := range entries {
						snippets = append(snippets, e.Content)
					}
					return flows.Result{"answer": strings.Join(snippets, "\n"), "found": true}, nil, nil
				},
			},
			{
				Name:        "get_exam_price",
				Description: "Look up the price of an exam.",
				Properties: map[string]flows.ParameterSpec{
					"exam_code":      {Type: "string", Description: "The exam code."},
					"insurance_plan": {Type: "string", Description: "The caller's insurance plan, if mentioned."},
				},
				Required: []string{"exam_code"},
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					price, err := g.client.GetPrice(ctx, argString(args, "exam_code"), argString(args, "insurance_plan"))
					if err != nil {
						result, next := g.failure(m, err)
						return result, next, nil
					}
					return flows.Result{
						"amount":   price.Amount,
						"currency": price.Currency,
						"covered":  price.Covered,
					}, nil, nil
				},
			},
			{
				Name:        "route_to_booking",
				Description: "The caller wants to book an appointment.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					m.SetState(StateCurrentAgent, "booking")
					return flows.Result{"routed": "booking"}, g.next(m, NodeCollectPatient), nil
				},
			},
			g.endCallFunction(),
		},
	}
}

// CollectPatientNode identifies the caller against the patient registry.
func (g *Graph) CollectPatientNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeCollectPatient,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			"Ask for the caller's phone number and date of birth, then call identify_patient. Dates use the year-month-day format with dashes.",
		},
		Functions: []flows.FunctionSchema{
			{
				Name:        "identify_patient",
				Description: "Look up the patient by phone number and date of birth.",
				Properties: map[string]flows.ParameterSpec{
					"phone": {Type: "string", Description: "The caller's phone number."},
					"dob":   {Type: "string", Description: "Date of birth, YYYY-MM-DD."},
				},
				Required: []string{"phone", "dob"},
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					phone := argString(args, "phone")
					dob := argString(args, "dob")
					if phone == "" {
						phone = m.StateString(StateCallerPhone)
					}
					if _, err := time.Parse("2006-01-02", dob); err != nil {
						return flows.Result{"error": "invalid_date", "expected": "YYYY-MM-DD"}, nil, nil
					}
					patient, err := g.client.LookupPatient(ctx, phone, dob)
					if err != nil {
						result, next := g.failure(m, err)
						return result, next, nil
					}
					if patient == nil {
						return flows.Result{"found": false}, nil, nil
					}
					m.SetState(StatePatientID, patient.ID)
					m.SetState(StatePatientName, patient.Name)
					m.SetState(StateCallerPhone, patient.Phone)
					m.SetState(StatePatientDOB, patient.DOB)
					return flows.Result{"found": true, "patient_name": patient.Name}, g.next(m, NodeChooseExam), nil
				},
			},
			g.endCallFunction(),
		},
	}
}

// ChooseExamNode lets the caller pick an exam; selecting one fetches slots.
func (g *Graph) ChooseExamNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeChooseExam,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			"Help the caller choose an exam. Use list_exams when they are unsure, then call select_exam with the chosen code.",
		},
		Functions: []flows.FunctionSchema{
			{
				Name:        "list_exams",
				Description: "List the exams the clinic offers.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					exams, err := g.client.ListExams(ctx)
					if err != nil {
						result, next := g.failure(m, err)
						return result, next, nil
					}
					listed := make([]map[string]interface{}, 0, len(exams))
					for _, e := range exams {
						listed = append(listed, map[string]interface{}{"code": e.Code, "name": e.Name})
					}
					return flows.Result{"exams": listed}, nil, nil
				},
			},
			{
				Name:        "select_exam",
				Description: "The caller chose an exam; look for available slots.",
				Properties: map[string]flows.ParameterSpec{
					"exam_code": {Type: "string", Description: "The chosen exam code."},
					"exam_name": {Type: "string", Description: "The exam name as spoken by the caller."},
					"from_date": {Type: "string", Description: "Earliest acceptable date, YYYY-MM-DD. Defaults to today."},
				},
				Required: []string{"exam_code"},
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					examCode := argString(args, "exam_code")
					fromDate, problem := normalizeFromDate(argString(args, "from_date"))
					if problem != "" {
						return flows.Result{"error": problem}, nil, nil
					}
					m.SetState(StateExamCode, examCode)
					m.SetState(StateExamName, argString(args, "exam_name"))
					return g.offerSlots(ctx, m, examCode, fromDate)
				},
			},
			g.endCallFunction(),
		},
	}
}

// OfferSlotsNode is assembled from the slots stored by the previous search;
// the selectable ids are enumerated in the schema itself.
func (g *Graph) OfferSlotsNode(m *flows.Manager) *flows.Node {
	slots := offeredSlots(m)
	ids := make([]string, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID)
	}
	return &flows.Node{
		Name:         NodeOfferSlots,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			fmt.Sprintf("Offer the caller these appointment options, one by one: %s. Call select_slot with the option they pick, or search_more_slots for a later date.", describeSlots(slots)),
		},
		RespondImmediately: true,
		Functions: []flows.FunctionSchema{
			{
				Name:        "select_slot",
				Description: "The caller picked one of the offered slots.",
				Properties: map[string]flows.ParameterSpec{
					"slot_id": {Type: "string", Description: "The chosen slot.", Enum: ids},
				},
				Required: []string{"slot_id"},
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					slotID := argString(args, "slot_id")
					for _, s := range offeredSlots(m) {
						if s.ID == slotID {
							m.SetState(StateSlotID, s.ID)
							m.SetState(StateSlotDate, s.Date)
							m.SetState(StateSlotTime, s.Time)
							return flows.Result{"date": s.Date, "time": s.Time, "unit": s.Unit}, g.next(m, NodeConfirmBooking), nil
						}
					}
					return flows.Result{"error": "unknown_slot"}, nil, nil
				},
			},
			{
				Name:        "search_more_slots",
				Description: "The caller wants options from a different date onward.",
				Properties: map[string]flows.ParameterSpec{
					"from_date": {Type: "string", Description: "Earliest acceptable date, YYYY-MM-DD."},
				},
				Required: []string{"from_date"},
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					fromDate, problem := normalizeFromDate(argString(args, "from_date"))
					if problem != "" {
						return flows.Result{"error": problem}, nil, nil
					}
					return g.offerSlots(ctx, m, m.StateString(StateExamCode), fromDate)
				},
			},
			{
				Name:        "change_exam",
				Description: "The caller wants a different exam.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					m.DeleteState(StateExamCode)
					m.DeleteState(StateExamName)
					m.DeleteState(StateOfferedSlots)
					return flows.Result{"ok": true}, g.next(m, NodeChooseExam), nil
				},
			},
			g.endCallFunction(),
		},
	}
}

// ConfirmBookingNode reads the choice back and reserves on confirmation.
func (g *Graph) ConfirmBookingNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeConfirmBooking,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			fmt.Sprintf("Read the choice back to the caller: %s on %s at %s. Call confirm_booking only after an explicit yes; call change_slot if they hesitate or decline.",
				m.StateString(StateExamName), m.StateString(StateSlotDate), m.StateString(StateSlotTime)),
		},
		RespondImmediately: true,
		Functions: []flows.FunctionSchema{
			{
				Name:        "confirm_booking",
				Description: "The caller confirmed; reserve the slot.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					slotID := m.StateString(StateSlotID)
					patientID := m.StateString(StatePatientID)
					reservation, err := g.client.ReserveSlot(ctx, slotID, patientID)
					if errors.Is(err, ErrConflict) {
						// The slot was taken between offer and accept. Drop the
						// stale choice and re-offer from a fresh search.
						logger.Warn("[Clinic] Reservation conflict on slot %s", slotID)
						g.clearSlotChoice(m)
						result, next, _ := g.offerSlots(ctx, m, m.StateString(StateExamCode), today())
						if result == nil {
							result = flows.Result{}
						}
						result["error"] = "conflict"
						return result, next, nil
					}
					if err != nil {
						result, next := g.failure(m, err)
						return result, next, nil
					}
					m.SetState(StateReservationID, reservation.ID)
					g.sendConfirmationSMS(ctx, m, reservation)
					return flows.Result{
						"confirmed": true,
						"date":      reservation.Date,
						"time":      reservation.Time,
					}, g.next(m, NodeBookingDone), nil
				},
			},
			{
				Name:        "change_slot",
				Description: "The caller wants a different time.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					g.clearSlotChoice(m)
					return g.offerSlots(ctx, m, m.StateString(StateExamCode), today())
				},
			},
			g.endCallFunction(),
		},
	}
}

// BookingDoneNode wraps up after a confirmed reservation. Entering it
// collapses the booking back-and-forth into a summary.
func (g *Graph) BookingDoneNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeBookingDone,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			"Tell the caller the appointment is booked and a text message is on its way. Ask whether they need anything else; call new_booking or end_call accordingly.",
		},
		RespondImmediately: true,
		Strategy:           flows.StrategyPtr(flows.StrategyResetWithSummary),
		Functions: []flows.FunctionSchema{
			{
				Name:        "new_booking",
				Description: "The caller wants to book another exam.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					g.clearSlotChoice(m)
					m.DeleteState(StateExamCode)
					m.DeleteState(StateExamName)
					m.DeleteState(StateReservationID)
					return flows.Result{"ok": true}, g.next(m, NodeChooseExam), nil
				},
			},
			g.endCallFunction(),
		},
	}
}

// APIErrorNode apologises for a backend failure and offers a restart.
func (g *Graph) APIErrorNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeAPIError,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{
			"Apologise: a technical problem prevented completing the request. Offer to try again (call retry) or to end the call so the caller can phone the front desk.",
		},
		RespondImmediately: true,
		Functions: []flows.FunctionSchema{
			{
				Name:        "retry",
				Description: "The caller wants to try again from the start.",
				Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
					m.DeleteState(StateLastError)
					return flows.Result{"ok": true}, g.next(m, NodeRouter), nil
				},
			},
			g.endCallFunction(),
		},
	}
}

// GoodbyeNode is terminal: entering it speaks the farewell and ends the
// session.
func (g *Graph) GoodbyeNode(m *flows.Manager) *flows.Node {
	return &flows.Node{
		Name:         NodeGoodbye,
		RoleMessages: g.roleMessages(),
		TaskMessages: []string{"The conversation is over."},
		PreActions: []flows.Action{
			flows.EndConversation("Thank you for calling, goodbye."),
		},
	}
}

func (g *Graph) endCallFunction() flows.FunctionSchema {
	return flows.FunctionSchema{
		Name:        "end_call",
		Description: "The caller is done and wants to hang up.",
		Handler: func(ctx context.Context, args map[string]interface{}, m *flows.Manager) (flows.Result, *flows.Node, error) {
			return flows.Result{"ok": true}, g.next(m, NodeGoodbye), nil
		},
	}
}

// offerSlots searches availability and moves to the dynamically-built offer
// node, or reports that nothing is free.
func (g *Graph) offerSlots(ctx context.Context, m *flows.Manager, examCode, fromDate string) (flows.Result, *flows.Node, error) {
	slots, err := g.client.SearchSlots(ctx, examCode, fromDate, 3)
	if err != nil {
		result, next := g.failure(m, err)
		return result, next, nil
	}
	if len(slots) == 0 {
		m.DeleteState(StateOfferedSlots)
		return flows.Result{"slots": 0, "from_date": fromDate}, nil, nil
	}
	m.SetState(StateOfferedSlots, slots)
	return flows.Result{"slots": len(slots)}, g.next(m, NodeOfferSlots), nil
}

func (g *Graph) clearSlotChoice(m *flows.Manager) {
	m.DeleteState(StateSlotID)
	m.DeleteState(StateSlotDate)
	m.DeleteState(StateSlotTime)
	m.DeleteState(StateOfferedSlots)
}

// sendConfirmationSMS is best-effort; a failed text never blocks the booking.
func (g *Graph) sendConfirmationSMS(ctx context.Context, m *flows.Manager, r *Reservation) {
	phone := m.StateString(StateCallerPhone)
	if phone == "" {
		return
	}
	message := fmt.Sprintf("Your %s appointment is confirmed for %s at %s.",
		m.StateString(StateExamName), r.Date, r.Time)
	if err := g.client.SendSMS(ctx, phone, message); err != nil {
		logger.Warn("[Clinic] Sending confirmation SMS: %v", err)
	}
}

func offeredSlots(m *flows.Manager) []Slot {
	value, ok := m.State(StateOfferedSlots)
	if !ok {
		return nil
	}
	slots, _ := value.([]Slot)
	return slots
}

func describeSlots(slots []Slot) string {
	if len(slots) == 0 {
		return "no options are currently available"
	}
	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		parts = append(parts, fmt.Sprintf("%s at %s (%s)", s.Date, s.Time, s.Unit))
	}
	return strings.Join(parts, "; ")
}

// normalizeFromDate validates an optional YYYY-MM-DD argument and defaults to
// today. Past dates are rejected rather than silently clamped.
func normalizeFromDate(raw string) (string, string) {
	if raw == "" {
		return today(), ""
	}
	if _, err := time.Parse("2006-01-02", raw); err != nil {
		return "", "invalid_date"
	}
	// Dates are zero-padded, so the lexical order is the calendar order.
	if raw < today() {
		return "", "date_in_past"
	}
	return raw, ""
}

func today() string {
	return time.Now().Format("2006-01-02")
}

func argString(args map[string]interface{}, key string) string {
	if value, ok := args[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
