package games

import (
	"context"
	"testing"

	"goodmarket/models"
)

func TestQuizQuestionsSeedsAndSamples(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	questions, err := fx.engine.QuizQuestions(ctx, QuestionsPerQuiz)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != QuestionsPerQuiz {
		t.Fatalf("expected %d questions, got %d", QuestionsPerQuiz, len(questions))
	}
	seen := make(map[string]bool, len(questions))
	for i, q := range questions {
		if q.Number != i+1 {
			t.Fatalf("question %d numbered %d", i, q.Number)
		}
		if len(q.Options) != 4 {
			t.Fatalf("question %s has %d options", q.ID, len(q.Options))
		}
		if q.Correct < 0 || q.Correct > 3 {
			t.Fatalf("question %s correct index %d out of range", q.ID, q.Correct)
		}
		if seen[q.ID] {
			t.Fatalf("question %s repeated within one round", q.ID)
		}
		seen[q.ID] = true
	}

	var count int64
	if err := fx.db.Model(&models.QuizQuestion{}).Count(&count).Error; err != nil {
		t.Fatalf("count bank: %v", err)
	}
	if count != 12 {
		t.Fatalf("expected 12 seeded questions, got %d", count)
	}

	// Second draw must not re-seed.
	if _, err := fx.engine.QuizQuestions(ctx, QuestionsPerQuiz); err != nil {
		t.Fatalf("second draw: %v", err)
	}
	if err := fx.db.Model(&models.QuizQuestion{}).Count(&count).Error; err != nil {
		t.Fatalf("recount bank: %v", err)
	}
	if count != 12 {
		t.Fatalf("bank grew to %d after second draw", count)
	}
}

func TestQuizQuestionsReturnsWholeBankWhenSmall(t *testing.T) {
	fx := setupEngine(t, nil)
	ctx := context.Background()

	questions, err := fx.engine.QuizQuestions(ctx, 50)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != 12 {
		t.Fatalf("expected the full 12-question bank, got %d", len(questions))
	}
}
