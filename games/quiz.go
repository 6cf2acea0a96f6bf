package games

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"gorm.io/gorm/clause"

	"goodmarket/models"
)

// QuestionsPerQuiz is how many questions one trivia round serves.
const QuestionsPerQuiz = 10

// TimePerQuestion is the answer window in seconds communicated to clients.
const TimePerQuestion = 20

// QuizQuestion is one question formatted for a trivia round. Correct is the
// zero-based index into Options.
type QuizQuestion struct {
	Number   int      `json:"question_number"`
	ID       string   `json:"question_id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Correct  int      `json:"correct_answer"`
}

// QuizQuestions draws count random questions from the bank, seeding the
// default set on first use. When the bank holds fewer than count questions the
// whole bank is returned.
func (e *Engine) QuizQuestions(ctx context.Context, count int) ([]QuizQuestion, error) {
	if count <= 0 {
		count = QuestionsPerQuiz
	}

	var bank []models.QuizQuestion
	if err := e.db.WithContext(ctx).Find(&bank).Error; err != nil {
		return nil, fmt.Errorf("load question bank: %w", err)
	}
	if len(bank) == 0 {
		if err := e.seedQuizQuestions(ctx); err != nil {
			return nil, err
		}
		if err := e.db.WithContext(ctx).Find(&bank).Error; err != nil {
			return nil, fmt.Errorf("load question bank: %w", err)
		}
	}

	rand.Shuffle(len(bank), func(i, j int) { bank[i], bank[j] = bank[j], bank[i] })
	if len(bank) > count {
		bank = bank[:count]
	}

	out := make([]QuizQuestion, 0, len(bank))
	for i, q := range bank {
		out = append(out, QuizQuestion{
			Number:   i + 1,
			ID:       q.QuestionID,
			Question: q.Question,
			Options:  []string{q.AnswerA, q.AnswerB, q.AnswerC, q.AnswerD},
			Correct:  q.Correct,
		})
	}
	return out, nil
}

func (e *Engine) seedQuizQuestions(ctx context.Context) error {
	seed := defaultQuizQuestions()
	for i := range seed {
		seed[i].CreatedAt = e.now()
	}
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return fmt.Errorf("seed question bank: %w", err)
	}
	e.log.Info("seeded quiz question bank", slog.Int("questions", len(seed)))
	return nil
}

func defaultQuizQuestions() []models.QuizQuestion {
	return []models.QuizQuestion{
		{QuestionID: "Q001", Question: "What is GoodDollar (G$)?",
			AnswerA: "A cryptocurrency for universal basic income", AnswerB: "A regular bank currency",
			AnswerC: "A credit card company", AnswerD: "A shopping website", Correct: 0},
		{QuestionID: "Q002", Question: "How often can you claim UBI with GoodDollar?",
			AnswerA: "Once per month", AnswerB: "Daily",
			AnswerC: "Once per year", AnswerD: "Only once", Correct: 1},
		{QuestionID: "Q003", Question: "What blockchain network does GoodDollar use?",
			AnswerA: "Bitcoin", AnswerB: "Ethereum",
			AnswerC: "Celo", AnswerD: "Binance Smart Chain", Correct: 2},
		{QuestionID: "Q004", Question: "What is the main goal of GoodDollar?",
			AnswerA: "Make money for investors", AnswerB: "Provide universal basic income",
			AnswerC: "Replace all banks", AnswerD: "Create a gaming platform", Correct: 1},
		{QuestionID: "Q005", Question: "Where can you claim your GoodDollar UBI?",
			AnswerA: "goodmarket.com", AnswerB: "goodwallet.xyz",
			AnswerC: "facebook.com", AnswerD: "google.com", Correct: 1},
		{QuestionID: "Q006", Question: "What happens if you don't claim UBI for 7+ days?",
			AnswerA: "Nothing changes", AnswerB: "You lose access to Learn & Earn rewards",
			AnswerC: "Your wallet gets deleted", AnswerD: "You get bonus rewards", Correct: 1},
		{QuestionID: "Q007", Question: "How many G$ do you earn per correct answer in Learn & Earn?",
			AnswerA: "100 G$", AnswerB: "200 G$",
			AnswerC: "300 G$", AnswerD: "500 G$", Correct: 1},
		{QuestionID: "Q008", Question: "What is the Celo network chain ID?",
			AnswerA: "1", AnswerB: "56",
			AnswerC: "42220", AnswerD: "137", Correct: 2},
		{QuestionID: "Q009", Question: "How many questions are in each Learn & Earn quiz?",
			AnswerA: "5 questions", AnswerB: "10 questions",
			AnswerC: "15 questions", AnswerD: "20 questions", Correct: 1},
		{QuestionID: "Q010", Question: "How long do you have to answer each question?",
			AnswerA: "10 seconds", AnswerB: "20 seconds",
			AnswerC: "30 seconds", AnswerD: "1 minute", Correct: 1},
		{QuestionID: "Q011", Question: "What is financial inclusion?",
			AnswerA: "Only rich people can use money", AnswerB: "Everyone has access to financial services",
			AnswerC: "Banks control all money", AnswerD: "Cryptocurrency is illegal", Correct: 1},
		{QuestionID: "Q012", Question: "What makes GoodDollar different from Bitcoin?",
			AnswerA: "GoodDollar is for universal basic income", AnswerB: "Bitcoin is faster",
			AnswerC: "GoodDollar uses more energy", AnswerD: "Bitcoin is free", Correct: 0},
	}
}
