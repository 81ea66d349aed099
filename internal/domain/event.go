package domain

const (
	EventNameChangeAppended  = "change.appended"
	EventNameReceiptRecorded = "receipt.recorded"
	EventNameReceiptRetested = "receipt.retested"
	EventNameQuizStarted     = "quiz.started"
	EventNameQuizEnded       = "quiz.ended"
)

type EventChangeAppended struct {
	UserID    int64
	ProblemID int64
	// Last is the highest revision landed by the append.
	Last Change
}

func (EventChangeAppended) Name() string { return EventNameChangeAppended }

type EventReceiptRecorded struct {
	Receipt SubmissionReceipt
}

func (EventReceiptRecorded) Name() string { return EventNameReceiptRecorded }

type EventReceiptRetested struct {
	Receipt SubmissionReceipt
}

func (EventReceiptRetested) Name() string { return EventNameReceiptRetested }

type EventQuizStarted struct {
	Quiz Quiz
}

func (EventQuizStarted) Name() string { return EventNameQuizStarted }

type EventQuizEnded struct {
	Quiz Quiz
}

func (EventQuizEnded) Name() string { return EventNameQuizEnded }
